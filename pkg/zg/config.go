package zg

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/logger"
	"langchain-0g/pkg/openai"
)

// EnvPrivateKey is the environment variable PrivateKeyFromEnv reads.
const EnvPrivateKey = "A0G_PRIVATE_KEY"

const defaultConcurrency = 4

// ServiceDescriptor describes one provider service on the serving contract.
type ServiceDescriptor = broker.Service

// Config configures NewChat and NewLLM.
//
// The adapter signs requests with PrivateKey. When Broker is set the broker's
// own key is used instead and PrivateKey, Network, NetworkDefinitions, RPCURL,
// Contract and HTTPTimeout are ignored.
type Config struct {
	// Provider 为服务商地址；为空时选用合约上第一个 chatbot 服务。
	Provider string
	// Service 跳过链上解析，直接使用给定的服务描述。
	Service *ServiceDescriptor

	PrivateKey string
	Broker     *broker.Broker

	Network            string
	NetworkDefinitions string
	RPCURL             string
	Contract           string
	HTTPTimeout        time.Duration

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
	Seed        *int64

	// Concurrency bounds the in-flight requests of LLM.Generate.
	Concurrency int

	Logger *slog.Logger
}

// PrivateKeyFromEnv returns the trimmed value of A0G_PRIVATE_KEY. An unset
// variable yields "" and NewChat/NewLLM then fail with a configuration error.
func PrivateKeyFromEnv() string {
	return strings.TrimSpace(os.Getenv(EnvPrivateKey))
}

// core 是 Chat 与 LLM 共享的已解析状态。
type core struct {
	broker     *broker.Broker
	ownsBroker bool

	service  broker.Service
	client   *openai.Client
	async    *openai.AsyncClient
	defaults sampling

	concurrency int
	logger      *slog.Logger
}

func newCore(ctx context.Context, cfg Config, kind string) (*core, error) {
	defaults := sampling{
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		topP:        cfg.TopP,
		stop:        append([]string(nil), cfg.Stop...),
		seed:        cfg.Seed,
	}
	if err := defaults.validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "采样参数无效")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Named("zg")
	}
	log = log.With("adapter", kind)

	b := cfg.Broker
	owns := false
	if b == nil {
		key := strings.TrimSpace(cfg.PrivateKey)
		if key == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "missing private key: set Config.PrivateKey or "+EnvPrivateKey)
		}
		if _, err := broker.ParsePrivateKey(key); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "invalid private key")
		}
		var err error
		b, err = broker.Dial(ctx, broker.DialConfig{
			Network:     cfg.Network,
			Definitions: cfg.NetworkDefinitions,
			RPCURL:      cfg.RPCURL,
			Contract:    cfg.Contract,
		}, broker.Config{
			PrivateKey:  key,
			HTTPTimeout: cfg.HTTPTimeout,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		owns = true
	} else if b.Address() == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "broker has no private key")
	}

	c := &core{broker: b, ownsBroker: owns, defaults: defaults, concurrency: cfg.Concurrency, logger: log}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if err := c.resolve(ctx, cfg); err != nil {
		_ = c.close()
		return nil, err
	}
	log.Debug("adapter ready", "provider", c.service.Provider.Hex(), "model", c.service.Model, "url", c.service.URL)
	return c, nil
}

func (c *core) resolve(ctx context.Context, cfg Config) error {
	switch {
	case cfg.Service != nil:
		c.service = copyService(*cfg.Service)
	case strings.TrimSpace(cfg.Provider) != "":
		svc, err := c.broker.GetService(ctx, cfg.Provider)
		if err != nil {
			return err
		}
		c.service = svc
	default:
		services, err := c.broker.GetAllServices(ctx)
		if err != nil {
			return err
		}
		found := false
		for _, svc := range services {
			if svc.ServiceType == broker.ServiceTypeChatbot {
				c.service, found = svc, true
				break
			}
		}
		if !found {
			return xerrors.New(xerrors.CodeConfiguration, "no provider configured and no chatbot service is registered")
		}
	}

	var err error
	if c.client, err = c.broker.ClientForService(c.service); err != nil {
		return err
	}
	if c.async, err = c.broker.AsyncClientForService(c.service); err != nil {
		return err
	}
	return nil
}

func (c *core) close() error {
	if c.ownsBroker && c.broker != nil {
		return c.broker.Close()
	}
	return nil
}

func (c *core) descriptor() ServiceDescriptor {
	return copyService(c.service)
}

func (c *core) chatRequest(input Input, opts []CallOption, stream bool) (openai.ChatCompletionRequest, error) {
	msgs, err := toWireMessages(input)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	s, err := c.defaults.apply(opts)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{Model: c.service.Model, Messages: msgs, Sampling: s.wire(), Stream: stream}, nil
}

func (c *core) completionRequest(prompt string, opts []CallOption, stream bool) (openai.CompletionRequest, error) {
	s, err := c.defaults.apply(opts)
	if err != nil {
		return openai.CompletionRequest{}, err
	}
	return openai.CompletionRequest{Model: c.service.Model, Prompt: prompt, Sampling: s.wire(), Stream: stream}, nil
}

func (c *core) checkStreaming() error {
	if !c.service.SupportsStreaming() {
		return xerrors.New(xerrors.CodeUnsupported, "service type "+c.service.ServiceType+" does not support streaming",
			xerrors.WithMetadata("provider", c.service.Provider.Hex()))
	}
	return nil
}

func copyService(s broker.Service) broker.Service {
	out := s
	if s.InputPrice != nil {
		out.InputPrice = new(big.Int).Set(s.InputPrice)
	}
	if s.OutputPrice != nil {
		out.OutputPrice = new(big.Int).Set(s.OutputPrice)
	}
	return out
}
