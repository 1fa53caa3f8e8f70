//go:build !linux

package executor

import (
	"context"
	"errors"
	"strings"

	logx "taskcore/pkg/logx"
)

type UnitRunner struct{}

func NewUnitRunner(context.Context, logx.Logger) (*UnitRunner, error) {
	return nil, errors.New("executor: systemd units are only supported on linux")
}

func (u *UnitRunner) For(string) Runner { return nil }

func (u *UnitRunner) Close() {}

func UnitName(tmpl, id string) string {
	name := strings.ReplaceAll(tmpl, "{id}", id)
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	return name
}
