// Command fluxdl is the CLI front-end for the download engine: a thin
// shell over pkg/dlcore.Engine that renders progress and reports exit
// status.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/urfave/cli"

	"github.com/fluxdl/fluxdl/pkg/dlcore"
)

const helpTemplate = `Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
{{.Description}}{{if .VisibleCommands}}
Commands:{{range .VisibleCommands}}
  {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{end}}

Use "{{.HelpName}} help <command>" for more information about any command.

`

const cmdHelpTemplate = `{{if .Description}}{{.Description}}{{else}}{{.HelpName}} - {{.Usage}}

{{end}}Usage:
        {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[arguments...]{{end}}{{if .VisibleFlags}}

Supported Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

`

const description = `
fluxdl is a multi-protocol, fragment-resuming download engine. It splits
HTTP(S) downloads into concurrent byte-range fragments, persists progress
to a local database, and resumes interrupted transfers without
re-downloading completed fragments.
`

var (
	outDir          string
	concurrency     int
	chunkMB         int
	userAgent       string
	timeoutSecs     int
	retries         int
	retryBackoffMs  int
	retryMaxDelayMs int
	maxJobs         int
	headerFlags     cli.StringSlice
)

var downloadFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "out-dir, o",
		Usage:       "directory to save downloaded files into",
		Value:       ".",
		Destination: &outDir,
	},
	cli.IntFlag{
		Name:        "concurrency, c",
		Usage:       "maximum concurrent fragment downloads per item",
		Value:       8,
		EnvVar:      "FLUXDL_CONCURRENCY",
		Destination: &concurrency,
	},
	cli.IntFlag{
		Name:        "chunk-mb",
		Usage:       "fragment size in megabytes",
		Value:       4,
		Destination: &chunkMB,
	},
	cli.StringFlag{
		Name:        "user-agent",
		Usage:       "HTTP user agent to use for downloading",
		Destination: &userAgent,
	},
	cli.IntFlag{
		Name:        "timeout-secs",
		Usage:       "per-request timeout in seconds",
		Value:       30,
		Destination: &timeoutSecs,
	},
	cli.IntFlag{
		Name:        "retries",
		Usage:       "maximum retry attempts per fragment request",
		Value:       5,
		Destination: &retries,
	},
	cli.IntFlag{
		Name:        "retry-backoff-ms",
		Usage:       "base retry backoff in milliseconds",
		Value:       500,
		Destination: &retryBackoffMs,
	},
	cli.IntFlag{
		Name:        "retry-max-delay-ms",
		Usage:       "maximum retry backoff in milliseconds",
		Value:       30000,
		Destination: &retryMaxDelayMs,
	},
	cli.IntFlag{
		Name:        "max-jobs",
		Usage:       "maximum number of jobs running at once (0 = unlimited)",
		Value:       0,
		Destination: &maxJobs,
	},
	cli.StringSliceFlag{
		Name:  "header, H",
		Usage: "extra HTTP header 'Key: Value', repeatable",
		Value: &headerFlags,
	},
}

func buildEngine() (*dlcore.Engine, error) {
	// The vault is shared between the engine (whose resolvers store
	// credentials into it) and the whole-file drivers (which look them up).
	vault := dlcore.NewCredentialVault()

	registry := dlcore.NewPluginRegistry()
	registry.RegisterResolver(dlcore.NewGitHubResolver())
	registry.RegisterResolver(dlcore.NewHTTPResolver())
	registry.RegisterResolver(dlcore.NewFTPResolver())
	registry.RegisterDriver(dlcore.NewHTTPDriver(nil))

	registry.RegisterWholeFileDriver(dlcore.NewFTPWholeFileDriver(vault))
	registry.RegisterWholeFileDriver(dlcore.NewSFTPWholeFileDriver(vault))
	registry.RegisterWholeFileDriver(dlcore.NewBitTorrentStubDriver())
	registry.RegisterWholeFileDriver(dlcore.NewADBStubDriver())
	registry.RegisterWholeFileDriver(dlcore.NewEd2kStubDriver())

	cfg := dlcore.Config{
		OutDir:            outDir,
		Concurrency:       concurrency,
		ChunkSize:         int64(chunkMB) * dlcore.MB,
		UserAgent:         userAgent,
		TimeoutSecs:       timeoutSecs,
		Retries:           retries,
		RetryBackoffMs:    int64(retryBackoffMs),
		RetryMaxDelayMs:   int64(retryMaxDelayMs),
		MaxConcurrentJobs: maxJobs,
		Vault:             vault,
	}
	return dlcore.New(cfg, registry)
}

func parseHeaders(raw []string) map[string]string {
	headers := map[string]string{}
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return headers
}

func download(ctx *cli.Context) error {
	links := ctx.Args()
	if len(links) == 0 {
		return printErrWithCmdHelp(ctx, fmt.Errorf("no links provided"))
	}

	eng, err := buildEngine()
	if err != nil {
		return fmt.Errorf("fluxdl: start engine: %w", err)
	}
	defer eng.Close()

	headers := parseHeaders(headerFlags)
	inputs := make([]dlcore.LinkInput, 0, len(links))
	for _, l := range links {
		inputs = append(inputs, dlcore.LinkInput{Raw: l, Headers: headers})
	}

	render := newProgressRenderer(eng)
	defer render.Close()

	jobID := eng.AddAndStart(context.Background(), inputs)
	if err := eng.WaitJob(context.Background(), jobID); err != nil {
		return fmt.Errorf("fluxdl: %w", err)
	}

	status, _ := eng.JobStatusOf(jobID)
	render.Wait()

	if status == dlcore.JobFailed {
		return cli.NewExitError(fmt.Sprintf("fluxdl: job %s failed", jobID), 1)
	}
	return nil
}

func help(ctx *cli.Context) error {
	arg := ctx.Args().First()
	if arg == "" || arg == "help" {
		fmt.Printf("%s %s\n", ctx.App.Name, ctx.App.Version)
		cli.ShowAppHelpAndExit(ctx, 0)
		return nil
	}
	return printErrWithHelp(ctx, cli.ShowCommandHelp(ctx, arg))
}

func version(ctx *cli.Context) error {
	fmt.Printf("%s %s (%s_%s)\n", ctx.App.Name, ctx.App.Version, runtime.GOOS, runtime.GOARCH)
	return nil
}

func printErrWithCmdHelp(ctx *cli.Context, err error) error {
	return printErrWithCallback(ctx, err, func() { cli.ShowCommandHelp(ctx, ctx.Command.Name) })
}

func printErrWithHelp(ctx *cli.Context, err error) error {
	return printErrWithCallback(ctx, err, func() { cli.ShowAppHelpAndExit(ctx, 1) })
}

func printErrWithCallback(ctx *cli.Context, err error, callback func()) error {
	if err == nil {
		return nil
	}
	fmt.Printf("%s: %s\n\n", ctx.App.HelpName, err.Error())
	callback()
	return nil
}

func usageErrorCallback(ctx *cli.Context, err error, _ bool) error {
	if ctx.Command.Name != "" {
		return printErrWithCmdHelp(ctx, err)
	}
	return printErrWithHelp(ctx, err)
}

func main() {
	app := cli.App{
		Name:                  "fluxdl",
		HelpName:              "fluxdl",
		Usage:                 "a multi-protocol, resumable download engine",
		Version:               "v0.1.0",
		UsageText:             "fluxdl <links...> [options]",
		Description:           description,
		CustomAppHelpTemplate: helpTemplate,
		OnUsageError:          usageErrorCallback,
		Commands: []cli.Command{
			{
				Name:                   "download",
				Aliases:                []string{"d"},
				Usage:                  "download one or more links",
				CustomHelpTemplate:     cmdHelpTemplate,
				OnUsageError:           usageErrorCallback,
				Action:                 download,
				Flags:                  downloadFlags,
				UseShortOptionHandling: true,
			},
			{
				Name:    "help",
				Aliases: []string{"h"},
				Usage:   "prints the help message",
				Action:  help,
			},
			{
				Name:               "version",
				Aliases:            []string{"v"},
				Usage:              "prints the installed version",
				CustomHelpTemplate: cmdHelpTemplate,
				Action:             version,
			},
		},
		Action:                 download,
		Flags:                  downloadFlags,
		UseShortOptionHandling: true,
		HideHelp:               true,
		HideVersion:            true,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("fluxdl: %s\n", err.Error())
		os.Exit(1)
	}
}
