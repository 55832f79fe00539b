package kcp2k

import "github.com/golang/glog"

// Logger holds the process-wide log hooks. Embedders that route logs through
// their own infrastructure replace the fields before starting a client or
// server; by default everything goes to glog.
type Logger struct {
	Info    func(format string, args ...interface{})
	Warning func(format string, args ...interface{})
	Error   func(format string, args ...interface{})
}

// Log is consulted by every component. Replace fields, not the struct, so
// partially customized setups keep the remaining defaults.
var Log = Logger{
	Info:    glog.Infof,
	Warning: glog.Warningf,
	Error:   glog.Errorf,
}
