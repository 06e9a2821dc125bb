// Package log defines the logging contract shared by every relay component.
//
// Components depend on Logger only. The zap package provides the production
// backend; GoLogger and NopLogger cover tools and tests.
package log
