package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/client/downloader"
	"attachdl/internal/client/prefs"
	"attachdl/internal/config"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const idlePollInterval = 200 * time.Millisecond

var (
	errUnknownPolicy    = errors.New("unknown bypass policy")
	errUnknownMediaType = errors.New("unknown media type")
)

var policies = []attachment.BypassPolicy{
	attachment.PolicyDefault,
	attachment.PolicyBypassPendingMessageRequest,
	attachment.PolicyBypassPendingManualDownload,
	attachment.PolicyBypassAll,
}

// parsePolicy accepts the policy names with either '-' or '_' separators.
func parsePolicy(s string) (attachment.BypassPolicy, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, p := range policies {
		if p.String() == name {
			return p, nil
		}
	}
	return attachment.PolicyDefault, fmt.Errorf("%w: %q", errUnknownPolicy, s)
}

func parseMediaType(s string) (attachment.MediaType, error) {
	mt := attachment.MediaType(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(attachment.MediaTypes, mt) {
		return "", fmt.Errorf("%w: %q", errUnknownMediaType, s)
	}
	return mt, nil
}

// watchProgress prints progress and suppression events until the returned
// stop function is called.
func watchProgress(center *notify.Center, out io.Writer) (stop func()) {
	events, unsubscribe := center.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := map[string]float64{}
		for ev := range events {
			switch ev := ev.(type) {
			case notify.ProgressChanged:
				if ev.Fraction < 1 && ev.Fraction-last[ev.AttachmentID] < 0.1 {
					continue
				}
				last[ev.AttachmentID] = ev.Fraction
				fmt.Fprintf(out, "progress %s %5.1f%%\n", ev.AttachmentID, ev.Fraction*100)
			case notify.DownloadSuppressed:
				fmt.Fprintf(out, "held %s %s (%s)\n", ev.AttachmentID, ev.State, ev.Category)
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// waitIdle returns once no job has been active or queued for two consecutive polls.
func waitIdle(ctx context.Context, dl downloader.Downloads) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	idleTicks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			active, pending := dl.Stats()
			if active+pending > 0 {
				idleTicks = 0
				continue
			}
			idleTicks++
			if idleTicks >= 2 {
				return nil
			}
		}
	}
}

func waitSettled(ctx context.Context, jobs []*downloader.Job) error {
	for _, job := range jobs {
		select {
		case <-job.Settled():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func describeStream(rec *attachment.Record) string {
	return fmt.Sprintf("%s %s %s", rec.LocalPath, rec.ContentType, humanize.Bytes(uint64(rec.ByteCount)))
}

// reportJobs prints one line per job: its stream, its error or the state it is held in.
func reportJobs(ctx context.Context, out io.Writer, db store.Store, jobs []*downloader.Job) error {
	for _, job := range jobs {
		stream, err := job.Future().Result()
		switch {
		case err == nil:
			fmt.Fprintf(out, "done %s %s %s\n", job.AttachmentID, job.Category, describeStream(stream))
		case errors.Is(err, downloader.ErrNotResolved):
			state := attachment.State("")
			if rerr := db.View(ctx, func(tx store.Tx) error {
				rec, err := tx.Attachment(job.AttachmentID)
				if err != nil {
					return err
				}
				state = rec.State
				return nil
			}); rerr != nil {
				return rerr
			}
			fmt.Fprintf(out, "held %s %s %s\n", job.AttachmentID, job.Category, state)
		default:
			fmt.Fprintf(out, "failed %s %s %v\n", job.AttachmentID, job.Category, err)
		}
	}
	return nil
}

// reportThread prints every attachment of the thread with its current state.
func reportThread(ctx context.Context, out io.Writer, db store.Store, threadID string) error {
	return db.View(ctx, func(tx store.Tx) error {
		return tx.MessagesInThread(threadID, func(msg *attachment.Message) error {
			for _, id := range msg.AllAttachmentIDs() {
				rec, err := tx.Attachment(id)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if rec.IsStream() {
					fmt.Fprintf(out, "done %s %s %s\n", msg.ID, id, describeStream(rec))
				} else {
					fmt.Fprintf(out, "pointer %s %s %s\n", msg.ID, id, rec.State)
				}
			}
			return nil
		})
	})
}

func newThreadCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "Download every undownloaded attachment of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				if err := a.downloads.EnqueueAllForThread(ctx, args[0]); err != nil {
					return err
				}
				if err := waitIdle(ctx, a.downloads); err != nil {
					return err
				}
				return reportThread(ctx, cmd.OutOrStdout(), a.db, args[0])
			})
		},
	}
}

func newMessageCommand(cfg func() *config.Config) *cobra.Command {
	var (
		bodyOnly bool
		policy   string
	)
	cmd := &cobra.Command{
		Use:   "message <message-id>",
		Short: "Download the attachments of one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePolicy(policy)
			if err != nil {
				return err
			}
			group := downloader.GroupAll
			if bodyOnly {
				group = downloader.GroupBodyOnly
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				req, err := a.downloads.EnqueueForMessage(ctx, args[0], group, p)
				if err != nil {
					return err
				}
				if req.IsEmpty() {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to download")
					return nil
				}
				if err := waitSettled(ctx, req.Jobs); err != nil {
					return err
				}
				return reportJobs(ctx, cmd.OutOrStdout(), a.db, req.Jobs)
			})
		},
	}
	cmd.Flags().BoolVar(&bodyOnly, "body-only", false, "download body attachments only")
	cmd.Flags().StringVar(&policy, "policy", "default", "bypass policy: default, bypass-pending-message-request, bypass-pending-manual-download, bypass-all")
	return cmd
}

func newStoryCommand(cfg func() *config.Config) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "story <story-id>",
		Short: "Download the attachment of a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePolicy(policy)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				fut, err := a.downloads.EnqueueForStory(ctx, args[0], p)
				if err != nil {
					return err
				}
				if fut == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "story has no attachment")
					return nil
				}
				if err := waitIdle(ctx, a.downloads); err != nil {
					return err
				}
				stream, err := fut.Result()
				switch {
				case errors.Is(err, downloader.ErrNotResolved):
					fmt.Fprintln(cmd.OutOrStdout(), "held by download policy")
					return nil
				case err != nil:
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "done", describeStream(stream))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "default", "bypass policy")
	return cmd
}

func newPointerCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "pointer <pointer.pb>",
		Short: "Download a standalone attachment pointer (contact sync path, never persisted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			pointer, err := attachment.PointerFromProto(raw)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				fut, err := a.downloads.EnqueueContactSync(pointer)
				if err != nil {
					return err
				}
				stream, err := fut.Wait(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "done", describeStream(stream))
				return nil
			})
		},
	}
}

func newWhitelistCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whitelist <thread-id>",
		Short: "Accept a thread and download what its message request held back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				threadID := args[0]
				err := a.db.Update(ctx, func(tx store.Tx) error {
					th, err := tx.Thread(threadID)
					if err != nil {
						return err
					}
					th.Whitelisted = true
					th.HasPendingMessageRequest = false
					return tx.PutThread(th)
				})
				if err != nil {
					return fmt.Errorf("whitelist thread %s: %w", threadID, err)
				}
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				if err := a.downloads.HandleWhitelistChange(ctx, threadID); err != nil {
					return err
				}
				if err := waitIdle(ctx, a.downloads); err != nil {
					return err
				}
				return reportThread(ctx, cmd.OutOrStdout(), a.db, threadID)
			})
		},
	}
}

func newReplayCommand(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Run downloads deferred by extension processes and wait for them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cfg().MainApp {
				return errors.New("replay requires --main-app")
			}
			// Start already replayed the ledger.
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				stop := watchProgress(a.center, cmd.ErrOrStderr())
				defer stop()
				return waitIdle(ctx, a.downloads)
			})
		},
	}
}

// newPrefsCommand edits bandwidth preferences on the store directly so no
// deferred download is replayed.
func newPrefsCommand(cfg func() *config.Config) *cobra.Command {
	withPrefs := func(cmd *cobra.Command, fn func(ctx context.Context, p *prefs.Store) error) error {
		c := cfg()
		logger := newLogger(c.LogLevel)
		db, err := store.Open(store.Config{Path: c.DBPath, Logger: logger})
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd.Context(), prefs.New(db, nil, logger))
	}

	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change automatic download preferences",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get [media-type]",
			Short: "Print the preference of one or every media type",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPrefs(cmd, func(ctx context.Context, p *prefs.Store) error {
					return printPrefs(ctx, cmd.OutOrStdout(), p, args)
				})
			},
		},
		&cobra.Command{
			Use:   "set <media-type> <never|wifi-only|wifi-and-cellular>",
			Short: "Change the preference of a media type",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				mt, err := parseMediaType(args[0])
				if err != nil {
					return err
				}
				pref, err := prefs.ParsePreference(args[1])
				if err != nil {
					return err
				}
				return withPrefs(cmd, func(ctx context.Context, p *prefs.Store) error {
					return p.Set(ctx, mt, pref)
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore the default preferences",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPrefs(cmd, func(ctx context.Context, p *prefs.Store) error {
					return p.Reset(ctx)
				})
			},
		},
	)
	return cmd
}

func printPrefs(ctx context.Context, out io.Writer, p *prefs.Store, args []string) error {
	if len(args) == 1 {
		mt, err := parseMediaType(args[0])
		if err != nil {
			return err
		}
		pref, err := p.Get(ctx, mt)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", mt, pref)
		return nil
	}
	all, err := p.All(ctx)
	if err != nil {
		return err
	}
	for _, mt := range attachment.MediaTypes {
		fmt.Fprintf(out, "%s\t%s\n", mt, all[mt])
	}
	return nil
}
