package main

import "time"

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	ProjectID string
	Script    string
	Profile   string
	EnvKVs    []string
	Follow    bool
}

type StopFlags struct {
	RunID string
	Force bool
	Wait  time.Duration
}

type RunsFlags struct {
	All bool
}

type LogsFlags struct {
	RunID  string
	Follow bool
}

type InstallFlags struct {
	ProjectID string
	Follow    bool
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type InitFlags struct {
	Dir  string
	ID   string
	Name string
	Kind string
	Out  string
}
