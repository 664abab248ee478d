// yeet is the command-line client for a yeetd node.
//
// Usage:
//
//	yeet [global flags] <command> [arguments]
//
// Commands:
//
//	keygen                 create a keypair file
//	address [owner]        print the profile address of owner
//	airdrop <lamports>     request lamports from the node faucet
//	init-user              create the profile of the keypair
//	post <content>         publish a post ("-" reads stdin)
//	profile [owner]        show a profile
//	show-post <author> <index>
//	                       show a post
//	watch [author...]      stream new profiles and posts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/logging"
	"github.com/fortiblox/yeet-at/pkg/rpc"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var errUsage = errors.New("usage")

// cli carries global options and output streams for one invocation.
type cli struct {
	url         string
	keypairPath string
	programID   types.Pubkey
	geyserAddr  string
	geyserToken string
	timeout     time.Duration

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

type command struct {
	name    string
	summary string
	run     func(c *cli, ctx context.Context, args []string) error
}

var commands = []command{
	{"keygen", "create a keypair file", (*cli).keygen},
	{"address", "print the profile (or post) address of an owner", (*cli).address},
	{"airdrop", "request lamports from the node faucet", (*cli).airdrop},
	{"init-user", "create the profile of the keypair", (*cli).initUser},
	{"post", "publish a post", (*cli).post},
	{"profile", "show a profile", (*cli).profile},
	{"show-post", "show a post", (*cli).showPost},
	{"watch", "stream new profiles and posts", (*cli).watch},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one CLI invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("yeet", flag.ContinueOnError)
	fs.SetOutput(stderr)

	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	var programID string
	var verbose, showVersion bool
	fs.StringVar(&c.url, "url", envOr("YEET_URL", "http://127.0.0.1:8899"), "Comma-separated JSON-RPC endpoints, tried in order")
	fs.StringVar(&c.keypairPath, "keypair", envOr("YEET_KEYPAIR", defaultKeypairPath()), "Keypair file")
	fs.StringVar(&programID, "program", types.YeetProgramAddr.String(), "Yeet program id")
	fs.StringVar(&c.geyserAddr, "geyser", envOr("YEET_GEYSER", "127.0.0.1:10000"), "Geyser gRPC endpoint for watch")
	fs.StringVar(&c.geyserToken, "geyser-token", os.Getenv("YEET_GEYSER_TOKEN"), "Geyser token")
	fs.DurationVar(&c.timeout, "timeout", rpc.DefaultClientTimeout, "RPC request timeout")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "yeet %s (%s)\n", Version, GitCommit)
		return 0
	}
	if fs.NArg() == 0 {
		usage(fs)
		return 2
	}

	pid, err := types.PubkeyFromBase58(programID)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -program: %v\n", err)
		return 2
	}
	c.programID = pid

	level := "warn"
	if verbose {
		level = "debug"
	}
	if c.logger, err = logging.New(level, true); err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return 2
	}
	defer c.logger.Sync()

	name, rest := fs.Arg(0), fs.Args()[1:]
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		err := cmd.run(c, ctx, rest)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, errUsage):
			fmt.Fprintf(stderr, "yeet %s: %v\n", name, err)
			return 2
		default:
			fmt.Fprintf(stderr, "yeet %s: %v\n", name, err)
			printFailure(stderr, err)
			return 1
		}
	}
	fmt.Fprintf(stderr, "unknown command %q\n", name)
	usage(fs)
	return 2
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "Usage: yeet [flags] <command> [arguments]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	fs.PrintDefaults()
}

// printFailure prints the program logs of a failed transaction.
func printFailure(w io.Writer, err error) {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return
	}
	failure, ok := rpcErr.TransactionFailure()
	if !ok {
		return
	}
	fmt.Fprintf(w, "  signature: %s\n", failure.Signature)
	for _, line := range failure.Logs {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func (c *cli) client() (*rpc.Client, error) {
	var endpoints []string
	for _, u := range strings.Split(c.url, ",") {
		if u = strings.TrimSpace(u); u != "" {
			endpoints = append(endpoints, u)
		}
	}
	return rpc.NewClient(c.timeout, endpoints...)
}

func (c *cli) keypair() (*types.Keypair, error) {
	kp, err := types.LoadKeypair(c.keypairPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no keypair at %s (run yeet keygen)", c.keypairPath)
	}
	return kp, err
}

// ownerArg returns the pubkey in args[0], or the keypair's pubkey when
// args is empty.
func (c *cli) ownerArg(args []string) (types.Pubkey, error) {
	if len(args) > 0 {
		pk, err := types.PubkeyFromBase58(args[0])
		if err != nil {
			return types.Pubkey{}, fmt.Errorf("%w: invalid pubkey %q", errUsage, args[0])
		}
		return pk, nil
	}
	kp, err := c.keypair()
	if err != nil {
		return types.Pubkey{}, err
	}
	return kp.Pubkey(), nil
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "id.json"
	}
	return filepath.Join(home, ".config", "yeet", "id.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
