// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package js

import (
	"fmt"
	"slices"

	"github.com/dop251/goja"

	"github.com/fleetchat/fleet/internal/plugin/hostapi"
	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

var consoleLevels = []string{"log", "info", "warn", "error", "debug"}

// prelude builds the component factories and promise wrappers of the API
// object in script form.
const prelude = `(function (api, native) {
  function promised(fn) {
    return function () {
      try { return Promise.resolve(fn.apply(null, arguments)); }
      catch (e) { return Promise.reject(e); }
    };
  }
  function createElement(type, props) {
    var p = Object.assign({}, props || {});
    var children = Array.prototype.slice.call(arguments, 2);
    if (children.length === 1) { p.children = children[0]; }
    else if (children.length > 1) { p.children = children; }
    if (typeof type === 'function') { return type(p); }
    return { type: String(type), props: p };
  }
  function component(name, subs) {
    var c = function (props) { return { type: name, props: props || {} }; };
    c.displayName = name;
    (subs || []).forEach(function (s) { c[s] = component(name + '.' + s); });
    return c;
  }

  api.showToast = promised(function (opts) {
    if (typeof opts === 'string') { opts = { title: opts }; }
    native.showToast(opts || {});
  });
  api.showHUD = promised(function (title) { native.showHUD(String(title)); });
  api.open = promised(function (target) { native.open(String(target)); });
  api.Clipboard = {
    copy: promised(function (text) { native.copyText(String(text)); }),
    readText: promised(function () { return native.readText(); })
  };
  api.LocalStorage = {
    getItem: promised(function (key) {
      var r = native.storageGet(String(key));
      return r.found ? r.value : undefined;
    }),
    setItem: promised(function (key, value) { native.storageSet(String(key), String(value)); }),
    removeItem: promised(function (key) { native.storageRemove(String(key)); })
  };
  api.getPreferenceValues = function () { return native.preferences(); };
  api.environment = native.environment();
  api.Toast = { Style: { Success: 'success', Failure: 'failure', Animated: 'animated' } };
  api.createElement = createElement;
  api.Fragment = 'Fragment';
  api.List = component('List', ['Item', 'Section', 'EmptyView', 'Dropdown']);
  api.Grid = component('Grid', ['Item', 'Section', 'EmptyView']);
  api.Detail = component('Detail', ['Metadata']);
  api.Form = component('Form', ['TextField', 'TextArea', 'Checkbox', 'Dropdown', 'PasswordField']);
  api.ActionPanel = component('ActionPanel', ['Section']);
  api.Action = component('Action', ['CopyToClipboard', 'OpenInBrowser', 'Push', 'SubmitForm']);
  api.Icon = {};
  api.Color = {};
  return api;
})`

// lockdown removes the constructor path to dynamic code on every function
// flavour.
const lockdown = `(function () {
  var blocked = function () { throw new TypeError('dynamic code generation is disabled'); };
  [function () {}, async function () {}, function* () {}].forEach(function (f) {
    Object.defineProperty(Object.getPrototypeOf(f), 'constructor', {
      value: blocked, writable: false, configurable: false
    });
  });
})();`

// install wires the sandbox globals into the VM.
func (m *module) install(opts runtime.Options) error {
	vm := m.vm

	console := vm.NewObject()
	for _, level := range consoleLevels {
		lvl := level
		if err := console.Set(lvl, func(call goja.FunctionCall) goja.Value {
			if m.console != nil {
				args := make([]string, len(call.Arguments))
				for i, a := range call.Arguments {
					args[i] = m.format(a)
				}
				m.console(lvl, args)
			}
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	api := vm.NewObject()
	if opts.API != nil {
		fn, err := vm.RunString(prelude)
		if err != nil {
			return err
		}
		builder, ok := goja.AssertFunction(fn)
		if !ok {
			return fmt.Errorf("api prelude is not a function")
		}
		built, err := builder(goja.Undefined(), api, vm.ToValue(m.natives(opts.API)))
		if err != nil {
			return err
		}
		api = built.ToObject(vm)
	}

	react := vm.NewObject()
	_ = react.Set("createElement", api.Get("createElement"))
	_ = react.Set("Fragment", api.Get("Fragment"))
	if err := vm.Set("React", react); err != nil {
		return err
	}

	if err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if slices.Contains(runtime.APIModules, name) {
			return api
		}
		panic(vm.NewTypeError("module %q is not available in the plugin sandbox", name))
	}); err != nil {
		return err
	}

	mod := vm.NewObject()
	exports := vm.NewObject()
	_ = mod.Set("exports", exports)
	if err := vm.Set("module", mod); err != nil {
		return err
	}
	if err := vm.Set("exports", exports); err != nil {
		return err
	}

	if _, err := vm.RunString(lockdown); err != nil {
		return err
	}
	global := vm.GlobalObject()
	for _, name := range []string{"eval", "Function"} {
		if err := global.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

// natives returns the Go side of the API object. Errors returned here are
// thrown into the script.
func (m *module) natives(api *hostapi.API) map[string]any {
	return map[string]any{
		"showToast": func(t hostapi.Toast) error {
			return api.ShowToast(m.ctx, t)
		},
		"showHUD": func(title string) error {
			return api.ShowHUD(m.ctx, title)
		},
		"open": func(target string) error {
			return api.Open(m.ctx, target)
		},
		"copyText": func(text string) error {
			return api.CopyText(m.ctx, text)
		},
		"readText": func() (string, error) {
			return api.ReadText(m.ctx)
		},
		"storageGet": func(key string) (map[string]any, error) {
			v, found, err := api.StorageGet(m.ctx, key)
			if err != nil {
				return nil, err
			}
			return map[string]any{"found": found, "value": v}, nil
		},
		"storageSet": func(key, value string) error {
			return api.StorageSet(m.ctx, key, value)
		},
		"storageRemove": func(key string) error {
			return api.StorageRemove(m.ctx, key)
		},
		"preferences": func() map[string]any {
			return api.Preferences()
		},
		"environment": func() hostapi.Environment {
			return api.Environment()
		},
	}
}

// format renders a console argument the way browsers do for simple values.
func (m *module) format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn && obj.ClassName() != "Error" {
			if b, err := obj.MarshalJSON(); err == nil {
				return string(b)
			}
		}
	}
	return v.String()
}
