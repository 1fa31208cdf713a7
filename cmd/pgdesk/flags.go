package main

import "time"

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	NoColor    bool
}

// EnsureFlags Flag structs to decouple cobra from logic for testing.
type EnsureFlags struct {
	Mode         string // first run only; empty asks
	Yes          bool   // accept defaults without asking
	Recover      bool   // allow moving a damaged data folder aside
	ShowPassword bool
	// Remote control API
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type StopFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type StrategyFlags struct {
	Mode string // empty: the installation's own mode
}

type HistoryFlags struct {
	Limit      int
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	Listen    string
	NoEnsure  bool
	Daemonize bool
	PidFile   string
	LogFile   string
	// For tests we can set NonBlocking to return once the API is listening
	NonBlocking bool
}
