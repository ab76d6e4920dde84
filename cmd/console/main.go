// console 是命令行客户端：登录、查看通知与会话、收发私信。
// 它驱动与网页前端相同的客户端核心，令牌默认保存在本地 sqlite 文件中。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mohamedrebhi/videmaison/internal/config"
	clog "github.com/Mohamedrebhi/videmaison/internal/log"

	"github.com/spf13/pflag"
)

// options 是全部命令共享的命令行参数。
type options struct {
	apiURL   string
	store    string
	email    string
	password string
	bell     bool
	desktop  bool
	env      string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *options, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("console", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.apiURL, "api", "", "API base URL (default $API_BASE_URL)")
	fs.StringVar(&opts.store, "store", "", "token store: sqlite, redis or memory (default $TOKEN_STORE)")
	fs.StringVarP(&opts.email, "email", "e", "", "account email for login/register")
	fs.StringVarP(&opts.password, "password", "p", "", "account password (default $VIDEMAISON_PASSWORD)")
	fs.BoolVar(&opts.bell, "bell", false, "ring the terminal bell on new alerts")
	fs.BoolVar(&opts.desktop, "desktop", false, "log alerts as desktop notifications")
	fs.StringVar(&opts.env, "env", "dev", "log format: dev for console output, anything else for JSON")
	fs.Usage = func() {
		fmt.Fprintf(out, "usage: console [flags] <command> [args]\n\ncommands:\n%s\nflags:\n", commandHelp())
		fs.PrintDefaults()
	}
	return fs
}

func run(args []string, stdout io.Writer) error {
	var opts options
	fs := newFlagSet(&opts, stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, ok := lookup(fs.Arg(0))
	if !ok {
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
	if err := cmd.checkArgs(fs.Args()[1:]); err != nil {
		return fmt.Errorf("%s: %w", cmd.name, err)
	}

	clog.InitTo(os.Stderr, opts.env)
	cfg := clientConfig(config.LoadClient(), opts)
	if opts.password == "" {
		opts.password = os.Getenv("VIDEMAISON_PASSWORD")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, cfg, opts, cmd, fs.Args()[1:], stdout)
}

// clientConfig 用命令行参数覆盖环境变量中的配置。
func clientConfig(cfg config.ClientConfig, opts options) config.ClientConfig {
	if opts.apiURL != "" {
		cfg.APIBaseURL = opts.apiURL
		cfg.WSURL = config.WebSocketURL(opts.apiURL)
	}
	if opts.store != "" {
		cfg.TokenStore = opts.store
	}
	return cfg
}
