package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	Daemonize  bool
	PidFile    string
	LogFile    string
	StartAll   bool
	StopOnExit bool
}

type StartFlags struct {
	Names []string
	All   bool
	Wait  time.Duration
}

type StopFlags struct {
	Names []string
	All   bool
}

type PortFlags struct {
	Name      string
	Find      bool
	Preferred int
}

type BatchExecFlags struct {
	ID             string
	Name           string
	Command        string
	WorkDir        string
	Items          []string
	ItemsFile      string
	Concurrency    int
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration
	PermanentCodes []int
	Detach         bool
}
