// Package logging builds the logrus logger used by the event bus, writing to
// stdout or to a rolling log file.
package logging
