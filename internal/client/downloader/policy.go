package downloader

import (
	"errors"
	"log/slog"

	"attachdl/internal/attachment"
	"attachdl/internal/client/prefs"
	"attachdl/internal/store"
)

// gateVerdict is the policy decision for a job about to start. With allow unset,
// state (if any) is persisted on the pointer and err (if any) resolves the job;
// a suppression leaves err nil and the job unresolved.
type gateVerdict struct {
	allow  bool
	state  attachment.State
	err    error
	reason string
}

var allowed = gateVerdict{allow: true}

type policyGate struct {
	conditions Conditions
	debug      DebugFlags
	prefs      *prefs.Store
	logger     *slog.Logger
}

// evaluate runs the checks in order inside the preparing write transaction.
// Contact-sync jobs are never gated.
func (g *policyGate) evaluate(tx store.Tx, job *Job, pointer *attachment.Record) gateVerdict {
	switch owner := job.Owner.(type) {
	case ContactSyncOwner:
		return allowed

	case MessageOwner:
		if v, blocked := g.forcedOrCall(job); blocked {
			return v
		}
		msg, err := tx.Message(owner.MessageID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				g.logger.Error("Failed to load owning message.", "message_id", owner.MessageID, "error", err)
			}
			return gateVerdict{err: ErrMissingRecord, reason: "missing_message"}
		}
		if g.blockedByPendingMessageRequest(tx, job, pointer, msg) {
			return gateVerdict{state: attachment.StatePendingMessageRequest, reason: "pending_message_request"}
		}
		if g.blockedByAutoDownload(tx, job) {
			return gateVerdict{state: attachment.StatePendingManualDownload, reason: "auto_download_settings"}
		}
		return allowed

	case StoryOwner:
		if v, blocked := g.forcedOrCall(job); blocked {
			return v
		}
		if g.blockedByAutoDownload(tx, job) {
			return gateVerdict{state: attachment.StatePendingManualDownload, reason: "auto_download_settings"}
		}
		return allowed
	}
	return allowed
}

func (g *policyGate) forcedOrCall(job *Job) (gateVerdict, bool) {
	if g.debug.ForceFailures {
		return gateVerdict{state: attachment.StateFailed, err: ErrForcedFailure, reason: "debug_force_failure"}, true
	}
	if g.blockedByActiveCall(job) {
		return gateVerdict{state: attachment.StatePendingManualDownload, reason: "active_call"}, true
	}
	return gateVerdict{}, false
}

// heavyCategory reports categories deferred while a call is active.
func heavyCategory(c attachment.Category) bool {
	switch c {
	case attachment.CategoryBodyImage, attachment.CategoryBodyVideo, attachment.CategoryBodyAudioOther,
		attachment.CategoryBodyFile, attachment.CategoryStickerLarge:
		return true
	}
	return false
}

func (g *policyGate) blockedByActiveCall(job *Job) bool {
	if job.Policy.BypassesManualDownload() || !heavyCategory(job.Category) {
		return false
	}
	return g.conditions.HasActiveCall()
}

func (g *policyGate) blockedByPendingMessageRequest(tx store.Tx, job *Job, pointer *attachment.Record, msg *attachment.Message) bool {
	if job.Policy.BypassesMessageRequest() {
		return false
	}
	if g.debug.ForcePendingMessageRequest {
		return true
	}
	if !pointer.IsVisualMedia() || msg.IsSticker() || msg.ViewOnce || !msg.Incoming {
		return false
	}
	thread, err := tx.Thread(msg.ThreadID)
	if err != nil {
		// Without a thread we cannot tell, so stay on the safe side.
		return true
	}
	// The first message of a thread may arrive before the thread becomes visible.
	if !thread.Visible {
		return !thread.Whitelisted
	}
	return thread.HasPendingMessageRequest
}

func (g *policyGate) blockedByAutoDownload(tx store.Tx, job *Job) bool {
	if job.Policy.BypassesManualDownload() {
		return false
	}
	if g.debug.ForcePendingManualDownload {
		return true
	}
	mt, gated := attachment.MediaTypeFor(job.Category)
	if !gated {
		return false
	}
	return !g.prefs.AutoDownloadable(tx, g.conditions.IsReachableViaWifi())[mt]
}
