package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/igolaizola/txt2vid"
	"github.com/igolaizola/txt2vid/pkg/cmd/batch"
	"github.com/igolaizola/txt2vid/pkg/cmd/migrate"
	"github.com/igolaizola/txt2vid/pkg/cmd/mock"
	"github.com/igolaizola/txt2vid/pkg/cmd/web"
	"github.com/peterbourgon/ff/ffyaml"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const envPrefix = "TXT2VID"

func New(version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("txt2vid", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "txt2vid [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(version, commit, date),
			newMigrateCommand(),
			newServeCommand(),
			newGenerateCommand(),
			newBatchCommand(),
			newMockCommand(),
		},
	}
}

func newVersionCommand(version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "txt2vid version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

func newMigrateCommand() *ffcli.Command {
	cmd := "migrate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &migrate.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&cfg.DBConn, "db-conn", "", "path for sqlite, dsn for mysql or postgres")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("txt2vid %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "create or update the history tables",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return migrate.Run(ctx, cfg)
		},
	}
}

func newServeCommand() *ffcli.Command {
	cmd := "serve"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &web.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "", "db type to record history (sqlite, mysql, postgres), empty disables it")
	fs.StringVar(&cfg.DBConn, "db-conn", "", "path for sqlite, dsn for mysql or postgres")
	fs.StringVar(&cfg.FSType, "fs-type", "memory", "fs type for generated videos (memory, local, s3)")
	fs.StringVar(&cfg.FSConn, "fs-conn", "", "path for local, key:secret@bucket.region for s3")

	fs.StringVar(&cfg.Addr, "addr", ":1337", "address to listen on")
	fs.StringVar(&cfg.Endpoint, "endpoint", "http://localhost:5000", "base url of the generation service")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "timeout for each generation (0 means no timeout)")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy to use")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", 30*time.Minute, "idle time before a browser session is closed (0 means never)")
	fsMapVar(fs, &cfg.Credentials, "creds", nil, "credentials to use (semicolon separated) Example: user1:pass1;user2:pass2")
	fs.BoolVar(&cfg.Open, "open", false, "open the interface in the browser")
	fs.BoolVar(&cfg.Ngrok, "ngrok", false, "expose the interface through an ngrok tunnel")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("txt2vid %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "serve the web interface",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return web.Serve(ctx, cfg)
		},
	}
}

func newGenerateCommand() *ffcli.Command {
	cmd := "generate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &txt2vid.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.Endpoint, "endpoint", "http://localhost:5000", "base url of the generation service")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "timeout for the generation (0 means no timeout)")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy to use")

	var text, output string
	fs.StringVar(&text, "text", "", "text describing the video")
	fs.StringVar(&output, "output", txt2vid.DownloadName, "output file")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("txt2vid %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "generate a video from a text",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if text == "" && len(args) > 0 {
				text = strings.Join(args, " ")
			}
			return txt2vid.Generate(ctx, cfg, text, output)
		},
	}
}

func newBatchCommand() *ffcli.Command {
	cmd := "batch"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &batch.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "", "db type to record history (sqlite, mysql, postgres), empty disables it")
	fs.StringVar(&cfg.DBConn, "db-conn", "", "path for sqlite, dsn for mysql or postgres")
	fs.StringVar(&cfg.Endpoint, "endpoint", "http://localhost:5000", "base url of the generation service")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "timeout for each generation (0 means no timeout)")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy to use")
	fs.StringVar(&cfg.Input, "input", "", "csv, json or yaml with fields (name,text)")
	fs.StringVar(&cfg.Output, "output", "", "output folder")
	fs.IntVar(&cfg.Limit, "limit", 0, "limit the number iterations (0 means no limit)")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("txt2vid %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "generate a video for each text of a file",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return batch.Run(ctx, cfg)
		},
	}
}

func newMockCommand() *ffcli.Command {
	cmd := "mock"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &mock.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.Addr, "addr", ":5000", "address to listen on")
	fs.StringVar(&cfg.Video, "video", "", "mp4 file to return (a built-in sample is used if empty)")
	fs.DurationVar(&cfg.Delay, "delay", 0, "delay before each response")
	fs.BoolVar(&cfg.Fail, "fail", false, "answer every request with an error")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("txt2vid %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "run a local generation service for testing",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return mock.Serve(ctx, cfg)
		},
	}
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*m.v))
}

func (m *mapValue) Set(value string) error {
	if m.v == nil {
		return errors.New("nil map reference")
	}
	pairs := strings.Split(value, ";")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid map entry: %s", pair)
		}
		(*m.v)[parts[0]] = parts[1]
	}
	return nil
}

func fsMapVar(fs *flag.FlagSet, p *map[string]string, name string, value map[string]string, usage string) {
	if value == nil {
		value = make(map[string]string)
	}
	*p = value
	fs.Var(&mapValue{p}, name, usage)
}
