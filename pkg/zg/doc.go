// Package zg exposes 0G inference providers as chat and completion models.
//
// NewChat and NewLLM resolve a provider service on the serving contract
// through a broker.Broker and keep signed OpenAI-compatible clients for it.
// Every call is a plain request/response against the provider; streaming
// calls return single-use iter.Seq2 sequences.
//
//	chat, err := zg.NewChat(ctx, zg.Config{
//		PrivateKey: zg.PrivateKeyFromEnv(),
//		Provider:   "0xf07240Efa67755B5311bc75784a061eDB47165Dd",
//	})
//	if err != nil {
//		return err
//	}
//	defer chat.Close()
//	reply, err := chat.Invoke(ctx, zg.Text("hello"))
//
// Errors carry a Code and match ErrConfiguration, ErrResolution,
// ErrTransport or ErrUnsupported with errors.Is.
package zg
