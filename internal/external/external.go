// Package external declares the boundary interfaces for collaborators this
// system talks to but does not implement: speech transcription, container
// sandboxes, and long-term memory. Each ships only a NotConfigured stub that
// returns a not_available RPCError, matching the closed error taxonomy in
// pkg/types/rpc.go; wiring a real backend means swapping the stub for a
// concrete implementation, not changing any caller.
package external

import (
	"context"
	"fmt"

	"github.com/agentmux/coderd/pkg/types"
)

func notAvailable(collaborator string) error {
	return &types.RPCError{
		Code:    types.ErrCodeNotAvailable,
		Message: fmt.Sprintf("%s is not configured", collaborator),
	}
}

// Transcriber turns recorded audio into text for voice-driven prompts.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// NotConfiguredTranscriber is the default Transcriber: always unavailable.
type NotConfiguredTranscriber struct{}

func (NotConfiguredTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return "", notAvailable("transcription service")
}

// ContainerRuntime runs tool calls inside an isolated sandbox rather than
// the host process, for deployments that require it.
type ContainerRuntime interface {
	RunInSandbox(ctx context.Context, image string, cmd []string, workDir string) (stdout string, exitCode int, err error)
}

// NotConfiguredContainerRuntime is the default ContainerRuntime: always
// unavailable, meaning tool calls run directly on the host.
type NotConfiguredContainerRuntime struct{}

func (NotConfiguredContainerRuntime) RunInSandbox(ctx context.Context, image string, cmd []string, workDir string) (string, int, error) {
	return "", 0, notAvailable("container runtime")
}

// Memory is the long-term memory collaborator: durable recall across
// sessions, outside the event-sourced per-session history.
type Memory interface {
	Remember(ctx context.Context, workspaceID, key, value string) error
	Recall(ctx context.Context, workspaceID, query string, limit int) ([]MemoryEntry, error)
}

// MemoryEntry is one recalled fact.
type MemoryEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// NotConfiguredMemory is the default Memory: always unavailable. No pack
// example wires a concrete memory backend against this spec's contract, so
// the seam stays explicit and typed rather than backed by an invented store.
type NotConfiguredMemory struct{}

func (NotConfiguredMemory) Remember(ctx context.Context, workspaceID, key, value string) error {
	return notAvailable("memory subsystem")
}

func (NotConfiguredMemory) Recall(ctx context.Context, workspaceID, query string, limit int) ([]MemoryEntry, error) {
	return nil, notAvailable("memory subsystem")
}

// Skill is a named, reusable prompt/tool bundle a session can invoke. Like
// Memory, no pack example grounds a concrete implementation, so this ships
// as a stub returning an empty result rather than an error — matching
// SPEC_FULL.md's posture for skill.* (empty list, not a hard failure).
type Skill interface {
	List(ctx context.Context, workspaceID string) ([]SkillInfo, error)
	Get(ctx context.Context, workspaceID, name string) (*SkillInfo, error)
	Refresh(ctx context.Context, workspaceID string) error
	Remove(ctx context.Context, workspaceID, name string) error
}

// SkillInfo describes one registered skill.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NotConfiguredSkill is the default Skill: List returns empty (matching
// SPEC_FULL.md's posture of an empty result rather than a hard failure),
// while the mutating/lookup operations report not_available since there is
// no backing cache to read or clear.
type NotConfiguredSkill struct{}

func (NotConfiguredSkill) List(ctx context.Context, workspaceID string) ([]SkillInfo, error) {
	return []SkillInfo{}, nil
}

func (NotConfiguredSkill) Get(ctx context.Context, workspaceID, name string) (*SkillInfo, error) {
	return nil, notAvailable("skill " + name)
}

func (NotConfiguredSkill) Refresh(ctx context.Context, workspaceID string) error {
	return nil
}

func (NotConfiguredSkill) Remove(ctx context.Context, workspaceID, name string) error {
	return notAvailable("skill " + name)
}

// Collaborators bundles every external collaborator boundary so it can be
// wired through a single field on whatever builds the RPC Dispatcher.
type Collaborators struct {
	Transcriber      Transcriber
	ContainerRuntime ContainerRuntime
	Memory           Memory
	Skill            Skill
}

// Default returns the all-NotConfigured bundle used until a deployment
// opts into a real backend for one or more collaborators.
func Default() *Collaborators {
	return &Collaborators{
		Transcriber:      NotConfiguredTranscriber{},
		ContainerRuntime: NotConfiguredContainerRuntime{},
		Memory:           NotConfiguredMemory{},
		Skill:            NotConfiguredSkill{},
	}
}
