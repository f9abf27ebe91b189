// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package pidctl

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgsect/fitm/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance(t *testing.T) {
	old := LastPIDFile
	defer func() { LastPIDFile = old }()
	LastPIDFile = filepath.Join(t.TempDir(), "ns_last_pid")

	require.NoError(t, Advance(20000))
	data, err := os.ReadFile(LastPIDFile)
	require.NoError(t, err)
	assert.Equal(t, "19999", string(data))

	require.NoError(t, Advance(300))
	data, err = os.ReadFile(LastPIDFile)
	require.NoError(t, err)
	assert.Equal(t, "299", string(data))

	assert.Error(t, Advance(1))
}

func TestAdvanceMissingDir(t *testing.T) {
	old := LastPIDFile
	defer func() { LastPIDFile = old }()
	LastPIDFile = filepath.Join(t.TempDir(), "missing", "ns_last_pid")
	assert.Error(t, Advance(100))
}

func TestPick(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		pid := Pick(rnd)
		if pid < 1<<14 || pid > 1<<14+9000 {
			t.Fatalf("pid %v is out of range", pid)
		}
	}
}
