package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/zg"
)

// main 是 zg0g 命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		log.Fatalf("zg0g 运行失败: %v", err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "zg0g",
		Usage:     "query 0G inference providers",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a yaml/json config file", EnvVars: []string{"A0G_CONFIG"}},
			&cli.StringFlag{Name: "metrics-addr", Usage: "expose Prometheus metrics on this address while the command runs"},
		},
		Commands: []*cli.Command{
			{
				Name:  "services",
				Usage: "list services registered on the serving contract",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "only show services of this type"},
					&cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table"},
				},
				Action: withRuntime(servicesAction),
			},
			{
				Name:  "network",
				Usage: "show the chain behind the serving contract",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print JSON instead of text"},
				},
				Action: withRuntime(networkAction),
			},
			{
				Name:      "chat",
				Usage:     "send one chat message",
				ArgsUsage: "MESSAGE...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "provider", Usage: "provider address, defaults to the first chatbot service"},
					&cli.StringFlag{Name: "system", Usage: "system instruction sent before the message"},
					&cli.BoolFlag{Name: "stream", Usage: "print the reply as it arrives"},
				},
				Action: withRuntime(chatAction),
			},
			{
				Name:      "complete",
				Usage:     "complete each prompt, one request per prompt",
				ArgsUsage: "PROMPT...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "provider", Usage: "provider address, defaults to the first chatbot service"},
				},
				Action: withRuntime(completeAction),
			},
		},
	}
}

func withRuntime(action func(*cli.Context, *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := setup(c.Context, c.String("config"), c.String("metrics-addr"))
		if err != nil {
			return err
		}
		defer rt.close()
		return action(c, rt)
	}
}

func servicesAction(c *cli.Context, rt *runtime) error {
	services, err := rt.broker.GetAllServices(c.Context)
	if err != nil {
		return err
	}
	if kind := c.String("type"); kind != "" {
		filtered := services[:0]
		for _, svc := range services {
			if strings.EqualFold(svc.ServiceType, kind) {
				filtered = append(filtered, svc)
			}
		}
		services = filtered
	}
	return printServices(c.App.Writer, services, c.Bool("json"))
}

func printServices(w io.Writer, services []broker.Service, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(services)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tTYPE\tMODEL\tINPUT PRICE\tOUTPUT PRICE\tURL")
	for _, svc := range services {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			svc.Provider.Hex(), svc.ServiceType, svc.Model, bigString(svc.InputPrice), bigString(svc.OutputPrice), svc.URL)
	}
	return tw.Flush()
}

func networkAction(c *cli.Context, rt *runtime) error {
	info, err := rt.broker.Network(c.Context)
	if err != nil {
		return err
	}
	w := c.App.Writer
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "network:  %s\nchain id: %s\nblock:    %s\ncontract: %s\n", info.Name, info.ChainID, info.BlockNumber, info.Contract)
	return nil
}

func chatAction(c *cli.Context, rt *runtime) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return cli.Exit("chat 需要消息内容", 2)
	}
	chat, err := zg.NewChat(c.Context, rt.adapterConfig(c.String("provider")))
	if err != nil {
		return err
	}
	defer chat.Close()

	var input zg.Input = zg.Text(text)
	if system := c.String("system"); system != "" {
		input = zg.Messages{zg.SystemMessage(system), zg.HumanMessage(text)}
	}

	w := c.App.Writer
	if c.Bool("stream") {
		for chunk, err := range chat.Stream(c.Context, input) {
			if err != nil {
				return err
			}
			fmt.Fprint(w, chunk.Content)
		}
		fmt.Fprintln(w)
		return nil
	}

	reply, err := chat.Invoke(c.Context, input)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, reply.Content)
	return nil
}

func completeAction(c *cli.Context, rt *runtime) error {
	prompts := c.Args().Slice()
	if len(prompts) == 0 {
		return cli.Exit("complete 至少需要一个 prompt", 2)
	}
	llm, err := zg.NewLLM(c.Context, rt.adapterConfig(c.String("provider")))
	if err != nil {
		return err
	}
	defer llm.Close()

	result, err := llm.Generate(c.Context, prompts)
	if err != nil {
		return err
	}
	w := c.App.Writer
	for i, gens := range result.Generations {
		fmt.Fprintf(w, "[%d] %s\n", i, gens[0].Text)
	}
	return nil
}
