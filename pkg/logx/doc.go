// Package logx is mailcast's logging layer: a thin Logger over zerolog whose
// sinks (console, JSON file, operator alerts) can be swapped on config reload
// without handing out new loggers.
package logx
