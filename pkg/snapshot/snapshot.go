// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package snapshot manages checkpointed states of the fuzzed client and server.
//
// A snapshot is a criu image of the target taken at a receive point. Snapshots
// live in saved-states/<state path>; to run one it is copied into the single
// working area (active-state), since criu can restore an image only once.
// Generations alternate between server (odd) and client (even) and every
// snapshot derived from another one is two generations deeper.
package snapshot

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/fgsect/fitm/pkg/mgrconfig"
)

type Role int

const (
	Client Role = iota
	Server
)

// RoleFor returns the role owning generation gen.
func RoleFor(gen int) Role {
	if gen%2 == 1 {
		return Server
	}
	return Client
}

func (r Role) String() string {
	switch r {
	case Client:
		return "client"
	case Server:
		return "server"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Origin returns the state path of the first snapshot of the role.
func (r Role) Origin() string {
	if r == Server {
		return StatePath(1, 0)
	}
	return StatePath(2, 0)
}

func (r Role) MarshalText() ([]byte, error) {
	if r != Client && r != Server {
		return nil, fmt.Errorf("bad role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(data []byte) error {
	switch string(data) {
	case "client":
		*r = Client
	case "server":
		*r = Server
	default:
		return fmt.Errorf("unknown role %q", data)
	}
	return nil
}

// Snapshot describes one checkpointed state. Apart from PID and Files it is not
// changed after construction.
type Snapshot struct {
	Generation int    `json:"generation" yaml:"generation"`
	StateID    int    `json:"state_id" yaml:"state_id"`
	StatePath  string `json:"state_path" yaml:"state_path"`
	Role       Role   `json:"role" yaml:"role"`
	Bin        string `json:"bin" yaml:"bin"`
	// Per execution timeout for the fuzzer and the minimizer.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// State path of the snapshot this one was restored from.
	// Empty for snapshots taken from program start.
	BaseState string `json:"base_state,omitempty" yaml:"base_state,omitempty"`
	Initial   bool   `json:"initial" yaml:"initial"`
	Origin    string `json:"origin" yaml:"origin"`
	// Pid of the target inside the checkpoint image, 0 until known.
	PID   int      `json:"pid,omitempty" yaml:"pid,omitempty"`
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
	Args  []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env   []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// New constructs a snapshot of target. It does not touch the filesystem,
// the working area is scaffolded by the Manager operations.
func New(gen, id int, target mgrconfig.Target, timeout time.Duration, base string) *Snapshot {
	role := RoleFor(gen)
	return &Snapshot{
		Generation: gen,
		StateID:    id,
		StatePath:  StatePath(gen, id),
		Role:       role,
		Bin:        target.Bin,
		Timeout:    timeout,
		BaseState:  base,
		Initial:    base == "",
		Origin:     role.Origin(),
		Files:      append([]string(nil), target.Files...),
		Args:       append([]string(nil), target.Args...),
		Env:        append([]string(nil), target.Env...),
	}
}

// Next returns the snapshot that restoring s and feeding it one more message produces.
func (s *Snapshot) Next(id int) *Snapshot {
	return &Snapshot{
		Generation: s.Generation + 2,
		StateID:    id,
		StatePath:  StatePath(s.Generation+2, id),
		Role:       s.Role,
		Bin:        s.Bin,
		Timeout:    s.Timeout,
		BaseState:  s.StatePath,
		Origin:     s.Origin,
		PID:        s.PID,
		Files:      append([]string(nil), s.Files...),
		Args:       append([]string(nil), s.Args...),
		Env:        append([]string(nil), s.Env...),
	}
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("%v (%v)", s.StatePath, s.Role)
}

func StatePath(gen, id int) string {
	return fmt.Sprintf("fitm-gen%d-state%d", gen, id)
}

var statePathRe = regexp.MustCompile(`^fitm-gen(\d+)-state(\d+)$`)

// ParseStatePath is the inverse of StatePath.
func ParseStatePath(name string) (gen, id int, err error) {
	match := statePathRe.FindStringSubmatch(name)
	if match == nil {
		return 0, 0, fmt.Errorf("bad state path %q", name)
	}
	if gen, err = strconv.Atoi(match[1]); err != nil {
		return 0, 0, fmt.Errorf("bad state path %q: %w", name, err)
	}
	if id, err = strconv.Atoi(match[2]); err != nil {
		return 0, 0, fmt.Errorf("bad state path %q: %w", name, err)
	}
	return gen, id, nil
}
