package core

import (
	"context"
	"log/slog"
	"os"
	"path"
	"reflect"
	"time"

	"github.com/encodeous/skymesh/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Start runs one endpoint node until its context is cancelled. The link layer
// is injected as send; inbound packets are fed through Deliver, orchestration
// commands through the commands channel. ready, if non-nil, receives the
// node's Env before the loop starts so harnesses can reach in.
func Start(ccfg state.CentralCfg, ncfg state.LocalCfg, logLevel slog.Level,
	send state.SendFunc, events chan<- state.Event, commands <-chan state.Command,
	ready chan<- *state.Env) error {

	ncfg.ApplyDefaults()

	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(s *state.State) error, state.DispatchBuffer)

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: string(ncfg.Id),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if ncfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(ncfg.LogPath), 0700)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(ncfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))

	s := state.State{
		Modules: make(map[string]state.SkyModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			CentralCfg:      ccfg,
			LocalCfg:        ncfg,
			Log:             logger,
			Send:            send,
			Events:          events,
		},
	}
	s.Log.Debug("init modules")
	err := initModules(&s)
	if err != nil {
		return err
	}
	if ready != nil {
		ready <- s.Env
	}

	if commands != nil {
		go pumpCommands(s.Env, commands)
	}

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State) error {
	modules := []state.SkyModule{
		&Engine{},
	}

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// Deliver hands one wire packet from the link layer to the node, serialized
// onto its loop.
func Deliver(env *state.Env, data []byte) {
	env.Dispatch(func(s *state.State) error {
		return engineOf(s).HandlePacket(s, data)
	})
}

// pumpCommands serializes orchestration commands onto the node loop. The loop
// finishes the item in hand before a Shutdown takes effect.
func pumpCommands(env *state.Env, commands <-chan state.Command) {
	for {
		select {
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return engineOf(s).HandleCommand(s, cmd)
			})
		case <-env.Context.Done():
			return
		}
	}
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	for {
		select {
		case fun := <-dispatch:
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			if elapsed > time.Millisecond*50 {
				s.Log.Warn("dispatch took a long time!", "fun", fun, "elapsed", elapsed)
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	cleanup(s)
	return nil
}

func cleanup(s *state.State) {
	s.Log.Debug("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during cleanup: ", "module", moduleName, "error", err)
		}
	}
	s.Cancel(context.Canceled)
}
