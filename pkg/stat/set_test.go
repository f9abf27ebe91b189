// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := newSet()
	a := s.New("a", "desc a", Console)
	b := s.New("b", "desc b")
	ext := 0
	s.New("c", "desc c", func() int { return ext })

	a.Add(2)
	a.Add(3)
	b.Add(1)
	ext = 7

	assert.Equal(t, 5, a.Val())
	assert.Equal(t, 1, b.Val())

	ui := s.Collect(Console)
	assert.Len(t, ui, 1)
	assert.Equal(t, "a", ui[0].Name)
	assert.Equal(t, "5", ui[0].Value)

	ui = s.Collect(All)
	assert.Len(t, ui, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{ui[0].Name, ui[1].Name, ui[2].Name})
	assert.Equal(t, 7, ui[2].V)
	assert.Panics(t, func() { s.vals["c"].Add(1) })
}

func TestDistribution(t *testing.T) {
	s := newSet()
	d := s.New("d", "distribution", Distribution{})
	assert.Equal(t, 0, d.Val())
	for i := 1; i <= 9; i++ {
		d.Add(i * 10)
	}
	assert.Equal(t, 50, d.Val())
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		v      int
		period time.Duration
		res    string
	}{
		{100, 10 * time.Second, "100 (10/sec)"},
		{20, 60 * time.Second, "20 (20/min)"},
		{1, time.Hour, "1 (1/hour)"},
	}
	for _, test := range tests {
		assert.Equal(t, test.res, formatRate(test.v, test.period))
	}
}
