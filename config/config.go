// Package config provides the TOML-loadable compiler configuration.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// RegisterAllocationMode selects which RegisterFile variant the
// CodeGenerator uses.
type RegisterAllocationMode string

const (
	Naive             RegisterAllocationMode = "naive"
	Stack             RegisterAllocationMode = "stack"
	StackWithCOW      RegisterAllocationMode = "stack_with_copy_on_write"
)

// ConditionalBranchingMode selects between the always-materialise and the
// fused-comparison lowering strategies for LT/LE/EQ/GE/GT followed by CJMP.
type ConditionalBranchingMode string

const (
	NaiveBranching  ConditionalBranchingMode = "naive"
	FewerBranches   ConditionalBranchingMode = "fewer_branches"
)

// StackCheckMode selects whether bounds checks are emitted at all.
type StackCheckMode string

const (
	NoStackCheck        StackCheckMode = "none"
	BoundsCheckInPlace  StackCheckMode = "bounds_check_in_place"
)

// Config holds the compiler's tunable code-generation strategy knobs.
type Config struct {
	RegisterAllocationMode   RegisterAllocationMode   `toml:"register_allocation_mode"`
	ConditionalBranchingMode ConditionalBranchingMode `toml:"conditional_branching_mode"`
	StackCheckMode           StackCheckMode           `toml:"stack_check_mode"`
	BoundsCheckElimination   bool                     `toml:"bounds_check_elimination"`
	TailCallsOptimised       bool                     `toml:"tail_calls_optimised"`
	EnsureZeroesAfterStack   bool                     `toml:"ensure_zeroes_after_stack"`
	RegisterWriteElimination bool                     `toml:"register_write_elimination"`

	// StackCapacityWords bounds the fixed-capacity descending stack.
	StackCapacityWords int `toml:"stack_capacity_words"`
}

// Default returns the compiler's documented default configuration.
func Default() Config {
	return Config{
		RegisterAllocationMode:   StackWithCOW,
		ConditionalBranchingMode: FewerBranches,
		StackCheckMode:           BoundsCheckInPlace,
		BoundsCheckElimination:   true,
		TailCallsOptimised:       true,
		EnsureZeroesAfterStack:   true,
		RegisterWriteElimination: true,
		StackCapacityWords:       1024,
	}
}

// Load reads a TOML configuration file, starting from Default() so any
// field the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, errors.Wrapf(err, "config: %s not found", path)
		}
		return cfg, errors.Wrapf(err, "config: decoding %s", path)
	}
	return cfg, nil
}
