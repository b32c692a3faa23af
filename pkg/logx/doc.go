// Package logx provides the structured logging facade used across cronbat.
//
// It wraps zerolog with a small Field-based API so components don't import
// zerolog directly, and a Service that can re-apply sinks and levels when the
// config file is reloaded without invalidating loggers already handed out.
package logx
