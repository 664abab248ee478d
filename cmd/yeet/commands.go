package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/geyser"
	"github.com/fortiblox/yeet-at/pkg/pda"
	"github.com/fortiblox/yeet-at/pkg/rpc"
	"github.com/fortiblox/yeet-at/pkg/runtime"
	"github.com/fortiblox/yeet-at/pkg/svm"
	"github.com/fortiblox/yeet-at/pkg/svm/programs/yeet"
)

func (c *cli) keygen(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	out := fs.String("o", c.keypairPath, "Output file")
	force := fs.Bool("force", false, "Overwrite an existing keypair")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s exists (use -force to overwrite)", *out)
	}
	kp, err := types.NewKeypair()
	if err != nil {
		return err
	}
	if err := types.SaveKeypair(*out, kp); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Wrote %s\npubkey: %s\n", *out, kp.Pubkey())
	return nil
}

// address prints the profile address of owner, or the address of post
// index when an index follows the owner.
func (c *cli) address(_ context.Context, args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("%w: address [owner] [index]", errUsage)
	}
	owner, err := c.ownerArg(args)
	if err != nil {
		return err
	}

	var addr types.Pubkey
	var bump uint8
	if len(args) == 2 {
		index, perr := strconv.ParseUint(args[1], 10, 64)
		if perr != nil {
			return fmt.Errorf("%w: invalid index %q", errUsage, args[1])
		}
		addr, bump, err = yeet.PostAddress(pda.Deriver{}, c.programID, owner, index)
	} else {
		addr, bump, err = yeet.ProfileAddress(pda.Deriver{}, c.programID, owner)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s (bump %d)\n", addr, bump)
	return nil
}

func (c *cli) airdrop(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: airdrop <lamports> [recipient]", errUsage)
	}
	lamports, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid lamports %q", errUsage, args[0])
	}
	to, err := c.ownerArg(args[1:])
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}

	sig, err := client.RequestAirdrop(ctx, to, lamports)
	if err != nil {
		return err
	}
	balance, err := client.GetBalance(ctx, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "signature: %s\nbalance: %d lamports\n", sig, balance)
	return nil
}

func (c *cli) initUser(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: init-user takes no arguments", errUsage)
	}
	kp, err := c.keypair()
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}

	rent, err := client.GetMinimumBalanceForRentExemption(ctx, yeet.ProfileSpace())
	if err != nil {
		return err
	}
	ixs, profile, err := yeet.InitUserInstructions(pda.Deriver{}, c.programID, kp.Pubkey(), rent)
	if err != nil {
		return err
	}
	sig, err := c.send(ctx, client, ixs, kp)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "profile: %s\nsignature: %s\n", profile, sig)
	return nil
}

func (c *cli) post(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: post <content> (\"-\" reads stdin)", errUsage)
	}
	content := []byte(strings.Join(args, " "))
	if len(args) == 1 && args[0] == "-" {
		if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprintf(c.stderr, "Enter post (%d bytes max), end with Ctrl-D:\n", yeet.MaxContentLen)
		}
		var err error
		if content, err = io.ReadAll(io.LimitReader(c.stdin, yeet.MaxContentLen+1)); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = []byte(strings.TrimRight(string(content), "\n"))
	}
	if len(content) < yeet.MinContentLen || len(content) > yeet.MaxContentLen {
		return fmt.Errorf("%w: content is %d bytes, want %d..%d",
			errUsage, len(content), yeet.MinContentLen, yeet.MaxContentLen)
	}

	kp, err := c.keypair()
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}

	profile, err := client.GetUserProfile(ctx, kp.Pubkey())
	if err != nil {
		return err
	}
	if profile == nil {
		return errors.New("no profile for this keypair (run yeet init-user)")
	}
	rent, err := client.GetMinimumBalanceForRentExemption(ctx, yeet.PostSpace(len(content)))
	if err != nil {
		return err
	}
	ixs, post, err := yeet.CreatePostInstructions(pda.Deriver{}, c.programID, kp.Pubkey(), profile.PostCount, content, rent)
	if err != nil {
		return err
	}
	sig, err := c.send(ctx, client, ixs, kp)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "post #%d: %s\nsignature: %s\n", profile.PostCount, post, sig)
	return nil
}

func (c *cli) profile(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: profile [owner]", errUsage)
	}
	owner, err := c.ownerArg(args)
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}

	profile, err := client.GetUserProfile(ctx, owner)
	if err != nil {
		return err
	}
	if profile == nil {
		return fmt.Errorf("no profile for %s", owner)
	}
	fmt.Fprintf(c.stdout, "owner: %s\naddress: %s\nposts: %d\n", profile.Owner, profile.Address, profile.PostCount)
	return nil
}

func (c *cli) showPost(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: show-post <author> <index>", errUsage)
	}
	author, err := c.ownerArg(args[:1])
	if err != nil {
		return err
	}
	index, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid index %q", errUsage, args[1])
	}
	client, err := c.client()
	if err != nil {
		return err
	}

	post, err := client.GetPost(ctx, author, index)
	if err != nil {
		return err
	}
	if post == nil {
		return fmt.Errorf("no post %d by %s", index, author)
	}
	fmt.Fprintf(c.stdout, "%s #%d (%s)\n%s\n", post.Author, post.Index, post.Address, post.Content)
	return nil
}

// watch prints profiles and posts as they are committed. Arguments restrict
// the stream to the given authors' profiles; without them every yeet
// program account is streamed.
func (c *cli) watch(ctx context.Context, args []string) error {
	filter := geyser.SubscribeRequest{}
	for _, a := range args {
		owner, err := types.PubkeyFromBase58(a)
		if err != nil {
			return fmt.Errorf("%w: invalid pubkey %q", errUsage, a)
		}
		profile, _, err := yeet.ProfileAddress(pda.Deriver{}, c.programID, owner)
		if err != nil {
			return err
		}
		filter.Accounts = append(filter.Accounts, profile)
	}
	if len(filter.Accounts) == 0 {
		filter.Owners = []types.Pubkey{c.programID}
	}

	config := geyser.DefaultClientConfig()
	config.Endpoint = c.geyserAddr
	config.Token = c.geyserToken
	config.Filter = filter
	config.OnDisconnect = func(err error) {
		c.logger.Warn("geyser stream lost", zap.Error(err))
	}
	client, err := geyser.NewClient(config)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to geyser: %w", err)
	}
	c.logger.Debug("watching", zap.String("endpoint", c.geyserAddr))

	// With an author filter only profiles arrive; a new post shows up as a
	// post_count bump.
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-client.Updates():
			if !ok {
				return client.Health().LastError
			}
			if update.Owner != c.programID {
				continue
			}
			c.printUpdate(update)
		}
	}
}

func (c *cli) printUpdate(u *geyser.AccountUpdate) {
	record, err := yeet.DecodeRecord(u.Data)
	if err != nil {
		c.logger.Debug("skipping undecodable account", zap.Stringer("pubkey", u.Pubkey), zap.Error(err))
		return
	}
	switch r := record.(type) {
	case yeet.UserProfile:
		fmt.Fprintf(c.stdout, "[slot %d] profile %s posts=%d\n", u.Slot, r.Owner, r.PostCount)
	case yeet.Post:
		content := string(r.Content)
		if !utf8.ValidString(content) {
			content = fmt.Sprintf("<%d bytes>", len(r.Content))
		}
		fmt.Fprintf(c.stdout, "[slot %d] post %s #%d: %s\n", u.Slot, r.Author, r.Index, content)
	}
}

// send builds, signs and submits a transaction with the latest blockhash.
func (c *cli) send(ctx context.Context, client *rpc.Client, ixs []svm.Instruction, signers ...*types.Keypair) (types.Signature, error) {
	blockhash, _, err := client.GetLatestBlockhash(ctx)
	if err != nil {
		return types.Signature{}, err
	}
	tx, err := runtime.NewTransaction(blockhash, ixs, signers...)
	if err != nil {
		return types.Signature{}, err
	}
	c.logger.Debug("sending transaction",
		zap.Stringer("signature", tx.Signature()),
		zap.Int("instructions", len(ixs)))
	return client.SendTransaction(ctx, tx)
}
