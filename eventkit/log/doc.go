// Package log defines the structured logging contract consumed by eventkit
// components. The zap subpackage provides the production implementation.
package log
