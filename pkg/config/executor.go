package config

import "time"

// ExecutorConfig bounds the computer-control micro loop.
type ExecutorConfig struct {
	// MaxMicroSteps caps observe/propose/execute iterations per step.
	MaxMicroSteps int `yaml:"max_micro_steps"`

	// MaxWallClock caps the total time one step may run.
	MaxWallClock time.Duration `yaml:"max_wall_clock"`

	// Verification pacing: wait after each action, then poll the screen
	// until it changes or the timeout lapses.
	WaitAfterAct time.Duration `yaml:"wait_after_act"`
	WaitPoll     time.Duration `yaml:"wait_poll"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`

	// MaxActionRetries is how many times a failed bridge action is
	// retried before the step fails.
	MaxActionRetries int `yaml:"max_action_retries"`

	// NoProgressLimit is the number of consecutive unchanged screens
	// before the executor asks the user for help.
	NoProgressLimit int `yaml:"no_progress_limit"`

	// ApprovalPoll is how often a paused step re-reads its approval.
	ApprovalPoll time.Duration `yaml:"approval_poll"`

	// DryRun skips bridge act calls and treats every action as applied.
	DryRun bool `yaml:"dry_run"`

	// Screen capture parameters passed to the bridge.
	CaptureMaxWidth int `yaml:"capture_max_width"`
	CaptureQuality  int `yaml:"capture_quality"`
}

// DefaultExecutorConfig returns the built-in executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxMicroSteps:    30,
		MaxWallClock:     600 * time.Second,
		WaitAfterAct:     350 * time.Millisecond,
		WaitPoll:         500 * time.Millisecond,
		WaitTimeout:      4 * time.Second,
		MaxActionRetries: 1,
		NoProgressLimit:  5,
		ApprovalPoll:     500 * time.Millisecond,
		CaptureMaxWidth:  1280,
		CaptureQuality:   60,
	}
}
