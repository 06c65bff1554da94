package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/capability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/proc"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/router"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/scheduler"
)

type kernelJSON struct {
	MessageCostMs int64            `json:"message_cost_ms"`
	NextPID       proc.PID         `json:"next_pid"`
	Messages      MessageStats     `json:"messages"`
	Scheduler     scheduler.State  `json:"scheduler"`
	Router        router.State     `json:"router"`
	Capabilities  capability.State `json:"capabilities"`
	Loader        loader.State     `json:"loader"`
}

func (k Kernel) MarshalJSON() ([]byte, error) {
	return json.Marshal(kernelJSON{
		MessageCostMs: k.costMs,
		NextPID:       k.nextPID,
		Messages:      k.msgs,
		Scheduler:     k.sched,
		Router:        k.router,
		Capabilities:  k.caps,
		Loader:        k.loader,
	})
}

// UnmarshalJSON restores a snapshot. Handlers and the admitter are not part
// of a snapshot; reattach them with Bind and WithAdmitter.
func (k *Kernel) UnmarshalJSON(b []byte) error {
	var w kernelJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*k = Kernel{
		costMs:  w.MessageCostMs,
		nextPID: max(w.NextPID, 1),
		msgs:    w.Messages,
		sched:   w.Scheduler,
		router:  w.Router,
		caps:    w.Capabilities,
		loader:  w.Loader,
	}
	return nil
}

// Snapshot returns the canonical (RFC 8785) JSON encoding of k.
func (k Kernel) Snapshot() ([]byte, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal snapshot: %w", err)
	}
	return jcs.Transform(raw)
}

// Restore decodes a snapshot produced by Snapshot.
func Restore(data []byte) (Kernel, error) {
	var k Kernel
	if err := json.Unmarshal(data, &k); err != nil {
		return Kernel{}, fmt.Errorf("kernel: restore snapshot: %w", err)
	}
	return k, nil
}

// Digest is "sha256:<hex>" over the canonical snapshot. Two kernels that
// saw the same operations have the same digest.
func (k Kernel) Digest() (string, error) {
	b, err := k.Snapshot()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Bind attaches a handler to a loaded module, typically after Restore.
func (k Kernel) Bind(moduleID string, h loader.Handler) (Kernel, error) {
	ls, err := k.loader.Bind(moduleID, h)
	if err != nil {
		return k, err
	}
	k.loader = ls
	return k, nil
}
