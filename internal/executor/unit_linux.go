//go:build linux

package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// UnitRunner starts systemd units over the system bus.
type UnitRunner struct {
	conn *dbus.Conn
	log  logx.Logger
}

func NewUnitRunner(ctx context.Context, log logx.Logger) (*UnitRunner, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: connect to systemd: %w", err)
	}
	return &UnitRunner{conn: conn, log: log}, nil
}

// For returns a Runner that starts the named unit.
func (u *UnitRunner) For(name string) Runner {
	return RunnerFunc(func(ctx context.Context, d task.Descriptor) error {
		return u.start(ctx, UnitName(name, d.ID))
	})
}

// start runs the unit's start job and waits for its result. Oneshot units
// report "done" only after their main process exits successfully.
func (u *UnitRunner) start(ctx context.Context, name string) error {
	ch := make(chan string, 1)
	if _, err := u.conn.StartUnitContext(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	select {
	case res := <-ch:
		u.log.Debug("unit job finished", logx.String("unit", name), logx.String("result", res))
		if res != "done" {
			return fmt.Errorf("start %s: job %s", name, res)
		}
		return nil
	case <-ctx.Done():
		stopCtx := context.WithoutCancel(ctx)
		if _, err := u.conn.StopUnitContext(stopCtx, name, "replace", nil); err != nil {
			u.log.Warn("unit stop after timeout failed", logx.String("unit", name), logx.Err(err))
		}
		return fmt.Errorf("start %s: %w", name, ctx.Err())
	}
}

func (u *UnitRunner) Close() {
	if u.conn != nil {
		u.conn.Close()
	}
}

// UnitName substitutes the escaped task id for {id} and adds the .service
// suffix when no unit type is given.
func UnitName(tmpl, id string) string {
	name := strings.ReplaceAll(tmpl, "{id}", unit.UnitNameEscape(id))
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	return name
}
