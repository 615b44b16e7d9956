package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"attachdl/internal/attachment"
	"attachdl/internal/client/downloader"
	"attachdl/internal/client/prefs"
	"attachdl/internal/config"

	"github.com/spf13/cobra"
)

var errUsage = errors.New("usage")

const shellHelp = `commands:
  thread <thread-id>                   enqueue every undownloaded attachment of a thread
  message <message-id> [policy]        enqueue the attachments of a message
  story <story-id> [policy]            enqueue the attachment of a story
  whitelist <thread-id>                retry a thread after it was accepted
  active                               replay deferred downloads
  cancel <attachment-id>               cancel a running download
  progress <attachment-id>             show download progress
  stats                                show running and queued jobs
  prefs [media-type]                   show bandwidth preferences
  prefs set <media-type> <preference>  change a bandwidth preference
  prefs reset                          restore default preferences
  quit`

// shell drives a running download service from line commands.
type shell struct {
	dl  downloader.Downloads
	out io.Writer
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(s.out, "> ")
	for scanner.Scan() {
		quit, err := s.exec(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
		if quit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(s.out, "> ")
	}
	return scanner.Err()
}

func (s *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	verb, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%w: %s needs %d argument(s)", errUsage, verb, n)
		}
		return nil
	}
	policyArg := func(i int) (attachment.BypassPolicy, error) {
		if len(args) <= i {
			return attachment.PolicyDefault, nil
		}
		return parsePolicy(args[i])
	}

	switch verb {
	case "quit", "exit":
		return true, nil

	case "help":
		fmt.Fprintln(s.out, shellHelp)

	case "thread":
		if err := need(1); err != nil {
			return false, err
		}
		if err := s.dl.EnqueueAllForThread(ctx, args[0]); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "enqueued thread", args[0])

	case "message":
		if err := need(1); err != nil {
			return false, err
		}
		policy, err := policyArg(1)
		if err != nil {
			return false, err
		}
		req, err := s.dl.EnqueueForMessage(ctx, args[0], downloader.GroupAll, policy)
		if err != nil {
			return false, err
		}
		for _, job := range req.Jobs {
			fmt.Fprintf(s.out, "enqueued %s %s\n", job.AttachmentID, job.Category)
		}

	case "story":
		if err := need(1); err != nil {
			return false, err
		}
		policy, err := policyArg(1)
		if err != nil {
			return false, err
		}
		fut, err := s.dl.EnqueueForStory(ctx, args[0], policy)
		if err != nil {
			return false, err
		}
		if fut == nil {
			fmt.Fprintln(s.out, "story has no attachment")
		} else {
			fmt.Fprintln(s.out, "enqueued story", args[0])
		}

	case "whitelist":
		if err := need(1); err != nil {
			return false, err
		}
		return false, s.dl.HandleWhitelistChange(ctx, args[0])

	case "active":
		return false, s.dl.ApplicationDidBecomeActive(ctx)

	case "cancel":
		if err := need(1); err != nil {
			return false, err
		}
		s.dl.Cancel(args[0])
		fmt.Fprintln(s.out, "cancel requested", args[0])

	case "progress":
		if err := need(1); err != nil {
			return false, err
		}
		if p, ok := s.dl.Progress(args[0]); ok {
			fmt.Fprintf(s.out, "%s %5.1f%%\n", args[0], p*100)
		} else {
			fmt.Fprintln(s.out, args[0], "unknown")
		}

	case "stats":
		active, pending := s.dl.Stats()
		fmt.Fprintf(s.out, "active %d pending %d\n", active, pending)

	case "prefs":
		return false, s.prefs(ctx, args)

	default:
		return false, fmt.Errorf("%w: unknown command %q, try help", errUsage, verb)
	}
	return false, nil
}

func (s *shell) prefs(ctx context.Context, args []string) error {
	switch {
	case len(args) == 0:
		all, err := s.dl.BandwidthPreferences(ctx)
		if err != nil {
			return err
		}
		for _, mt := range attachment.MediaTypes {
			fmt.Fprintf(s.out, "%s\t%s\n", mt, all[mt])
		}
	case args[0] == "reset":
		return s.dl.ResetBandwidthPreferences(ctx)
	case args[0] == "set":
		if len(args) != 3 {
			return fmt.Errorf("%w: prefs set <media-type> <preference>", errUsage)
		}
		mt, err := parseMediaType(args[1])
		if err != nil {
			return err
		}
		pref, err := prefs.ParsePreference(args[2])
		if err != nil {
			return err
		}
		return s.dl.SetBandwidthPreference(ctx, mt, pref)
	default:
		mt, err := parseMediaType(args[0])
		if err != nil {
			return err
		}
		pref, err := s.dl.BandwidthPreference(ctx, mt)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\t%s\n", mt, pref)
	}
	return nil
}

func newShellCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run the download service and control it from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				sh := &shell{dl: a.downloads, out: cmd.OutOrStdout()}
				return sh.run(ctx, cmd.InOrStdin())
			})
		},
	}
}
