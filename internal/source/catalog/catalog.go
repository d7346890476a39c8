// Package catalog wires the built-in platform adapters into a registry.
package catalog

import (
	"storecrawl/internal/source"
	"storecrawl/internal/source/nintendo"
	"storecrawl/internal/source/playstation"
	"storecrawl/internal/source/steam"
	"storecrawl/internal/source/xbox"
)

// Default 返回包含全部内置平台的注册表。
func Default() *source.Registry {
	r := source.NewRegistry()
	r.Register(steam.Name, steam.New)
	r.Register(playstation.Name, playstation.New)
	r.Register(xbox.Name, xbox.New)
	r.Register(nintendo.Name, nintendo.New)
	return r
}
