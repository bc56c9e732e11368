// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/util/lazyerrors"
	"github.com/FerretDB/asyncodbc/internal/util/resource"
)

// Environment owns the process-scoped environment handle.
//
// It is created once per process and freed at shutdown, after all registries are closed.
type Environment struct {
	drv driver.Driver
	l   *zap.Logger

	m sync.Mutex
	h driver.Handle

	token *resource.Token
}

// NewEnvironment allocates an environment handle and requests ODBC 3 behavior.
func NewEnvironment(drv driver.Driver, l *zap.Logger) (*Environment, error) {
	h, ret := drv.AllocHandle(driver.HandleEnv, driver.NullHandle)
	if !ret.Succeeded() {
		return nil, diag.Internal(lazyerrors.Errorf("failed to allocate environment handle: %s", ret))
	}

	if ret = drv.SetEnvAttr(h, driver.AttrODBCVersion, driver.ODBCVersion3); !ret.Succeeded() {
		err := diag.NewTranslator(drv, 0, l).Error(diag.ErrorCodeInternal, driver.HandleEnv, h)
		_ = drv.FreeHandle(driver.HandleEnv, h)

		return nil, err
	}

	return WrapEnvironment(drv, h, l), nil
}

// WrapEnvironment wraps an environment handle allocated by the host.
//
// Close frees it.
func WrapEnvironment(drv driver.Driver, h driver.Handle, l *zap.Logger) *Environment {
	env := &Environment{
		drv:   drv,
		l:     l.Named("env"),
		h:     h,
		token: resource.NewToken(),
	}

	resource.Track(env, env.token)

	return env
}

// Handle returns the native handle, or driver.NullHandle after Close.
func (env *Environment) Handle() driver.Handle {
	env.m.Lock()
	defer env.m.Unlock()

	return env.h
}

// Close frees the environment handle. It does nothing if it was already freed.
func (env *Environment) Close() {
	env.m.Lock()
	defer env.m.Unlock()

	if env.h == driver.NullHandle {
		return
	}

	if ret := env.drv.FreeHandle(driver.HandleEnv, env.h); !ret.Succeeded() {
		env.l.Error("Failed to free environment handle.", zap.Stringer("ret", ret))
	}

	env.h = driver.NullHandle

	resource.Untrack(env, env.token)
}
