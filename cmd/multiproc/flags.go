package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	ConfigPath string
	Listen     string
	Wait       time.Duration // negative means the config's stop_timeout
	For        time.Duration
	Output     string
}

type TasksFlags struct {
	Output string
}
