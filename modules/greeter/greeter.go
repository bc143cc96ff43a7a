// Package greeter is a built-in sample module. It publishes a Greeter capability and a
// Command.greet endpoint, both configured from the module settings.
package greeter

import (
	"context"
	"fmt"

	"github.com/artpar/modhost/adapters/loader"
	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/module"
	"github.com/go-viper/mapstructure/v2"
)

// Name is the activator name used in manifests.
const Name = "greeter"

// Greeter greets people.
type Greeter interface {
	Greet(name string) string
}

// Type is the capability type Greeter is published under.
var Type = capability.TypeOf[Greeter]()

// Command marks endpoints meant to be run as commands.
type Command struct{}

// Settings configure one greeter.
type Settings struct {
	Greeting string `mapstructure:"greeting"`
	Lang     string `mapstructure:"lang"`
	Rank     int    `mapstructure:"rank"`
}

// DecodeSettings reads module settings, filling in defaults.
func DecodeSettings(raw map[string]any) (Settings, error) {
	s := Settings{Greeting: "Hello", Lang: "en"}
	if err := mapstructure.WeakDecode(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("greeter settings: %w", err)
	}
	return s, nil
}

type greeter struct{ greeting string }

func (g greeter) Greet(name string) string {
	if name == "" {
		name = "world"
	}
	return g.greeting + ", " + name
}

// Activator publishes the greeter.
type Activator struct{}

// Activate implements module.Activator.
func (Activator) Activate(_ context.Context, mc *module.Context) error {
	s, err := DecodeSettings(mc.Settings())
	if err != nil {
		return err
	}
	g := greeter{greeting: s.Greeting}

	if _, err := module.Provide[Greeter](mc, g, capability.Properties{
		"lang":             s.Lang,
		capability.RankKey: s.Rank,
	}); err != nil {
		return err
	}

	ep, err := endpoint.New("Command", "greet", g.Greet, "name")
	if err != nil {
		return err
	}
	ep = ep.WithAttributes(map[string]any{"lang": s.Lang})
	if _, err := mc.RegisterEndpoint(Command{}, ep, s.Rank); err != nil {
		return err
	}

	log := mc.Logger()
	log.Info().Str("lang", s.Lang).Int("rank", s.Rank).Msg("greeter published")
	return nil
}

// Deactivate implements module.Activator. Registrations are withdrawn by the host.
func (Activator) Deactivate(context.Context, *module.Context) error { return nil }

// Register adds the greeter activator to acts.
func Register(acts *loader.Activators) error {
	return acts.Register(Name, func() module.Activator { return Activator{} })
}

// Artifact returns a built-in greeter artifact for a static loader.
func Artifact(version string, settings map[string]any) *module.Artifact {
	return &module.Artifact{
		Name:      Name,
		Version:   version,
		Provides:  []capability.Type{Type},
		Settings:  settings,
		Activator: Activator{},
	}
}
