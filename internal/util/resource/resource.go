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

// Package resource tracks lifetimes of objects that own native driver resources.
//
// Every live tracked object is visible in a pprof profile named after its type,
// so leaked handles can be found with the standard tooling.
// In debug builds, an object that becomes unreachable while still tracked
// causes a panic.
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/FerretDB/asyncodbc/internal/util/debugbuild"
)

// Token is a field of a tracked object.
type Token struct {
	cleanup atomic.Pointer[runtime.Cleanup]
	msg     string
}

// NewToken returns a new Token.
func NewToken() *Token {
	return new(Token)
}

// profilesM serializes profile creation.
var profilesM sync.Mutex

// profileName returns the pprof profile name for the given object.
func profileName(obj any) string {
	return "asyncodbc/" + reflect.TypeOf(obj).Elem().String()
}

// profile returns an existing or new profile for the given object.
func profile(obj any) *pprof.Profile {
	name := profileName(obj)

	if p := pprof.Lookup(name); p != nil {
		return p
	}

	profilesM.Lock()
	defer profilesM.Unlock()

	if p := pprof.Lookup(name); p != nil {
		return p
	}

	return pprof.NewProfile(name)
}

// leaked is called by the runtime for objects that were not untracked.
func leaked(t *Token) {
	if debugbuild.Enabled {
		panic(t.msg)
	}
}

// Track tracks the lifetime of an object until Untrack is called on it.
//
// Obj must be a pointer to a struct with a field "token" of type *Token.
func Track[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	// add token instead of obj so the profile does not keep obj reachable
	profile(obj).Add(token, 1)

	token.msg = fmt.Sprintf("%T has not been released", obj)
	if debugbuild.Enabled {
		token.msg += "\nObject created by " + string(debugbuild.Stack())
	}

	c := runtime.AddCleanup(obj, leaked, token)
	token.cleanup.Store(&c)
}

// Untrack stops tracking the lifetime of an object.
//
// It is safe to call it multiple times, including concurrently.
func Untrack[T any](obj *T, token *Token) {
	checkArgs(obj, token)

	c := token.cleanup.Swap(nil)
	if c == nil {
		return
	}

	c.Stop()

	profile(obj).Remove(token)
}

// Count returns the number of live tracked objects of the same type as obj.
func Count[T any](obj *T) int {
	p := pprof.Lookup(profileName(obj))
	if p == nil {
		return 0
	}

	return p.Count()
}

// checkArgs panics on misuse of Track and Untrack.
func checkArgs(obj any, token *Token) {
	if token == nil {
		panic("token must not be nil")
	}

	pv := reflect.ValueOf(obj)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		panic(fmt.Sprintf("obj must be a non-nil pointer to struct, got %T", obj))
	}

	v := pv.Elem()
	if v.Kind() != reflect.Struct {
		panic(fmt.Sprintf("obj must be a pointer to struct, got %T", obj))
	}

	f := v.FieldByName("token")
	if f.Kind() != reflect.Ptr || f.UnsafePointer() != unsafe.Pointer(token) {
		panic("token must be a pointer field of a struct")
	}
}
