package cdphost

import (
	"encoding/json"
	"fmt"
)

// BindingName is the Runtime binding the page script reports events
// through.
const BindingName = "__framebridgeEmit"

// Bootstrap is evaluated in every document of an attached tab. It gives
// each window an id, a node table and an operation dispatcher reachable
// from the top window as window.__framebridge.find(id).call(op, args), and
// reports hello, load, unload and mutation events through BindingName. A
// nested window's hello names its parent window and the frame element that
// owns it.
const Bootstrap = `(function (root) {
  function install(win) {
    var existing;
    try { existing = win.__framebridge; } catch (e) { return null; }
    if (existing) return existing;
    var doc = win.document;
    var nodes = new Map();
    var ids = new WeakMap();
    var seq = 0;
    var wid = Math.random().toString(36).slice(2) + Date.now().toString(36);
    var observer = null;

    function send(kind, extra) {
      var fn = win.__framebridgeEmit;
      try { if (!fn && win.top) fn = win.top.__framebridgeEmit; } catch (e) {}
      if (typeof fn !== 'function') return;
      var msg = { kind: kind, window: wid, top: win === win.top };
      for (var k in extra || {}) msg[k] = extra[k];
      fn(JSON.stringify(msg));
    }
    function idOf(n) {
      if (!n || n.nodeType !== 1) return null;
      var id = ids.get(n);
      if (!id) { id = 'n' + (++seq); ids.set(n, id); nodes.set(id, n); }
      return id;
    }
    function node(id) {
      var n = nodes.get(id);
      if (!n) throw new Error('framebridge: unknown node ' + id);
      return n;
    }
    function report(records) {
      records.forEach(function (r) {
        if (r.type === 'childList') {
          r.addedNodes.forEach(function (n) {
            if (n.nodeType === 1) send('mutation', { mutation: 'childAdded', target: idOf(n) });
          });
          r.removedNodes.forEach(function (n) {
            if (n.nodeType === 1) send('mutation', { mutation: 'childRemoved', target: idOf(n) });
          });
        } else if (r.type === 'attributes') {
          send('mutation', { mutation: 'attributeChanged', target: idOf(r.target), attr: r.attributeName });
        }
      });
    }
    var ops = {
      url: function () { return String(win.location.href); },
      readyState: function () { return doc.readyState; },
      query: function (sel) { return Array.from(doc.querySelectorAll(sel)).map(idOf); },
      queryIn: function (id, sel) { return Array.from(node(id).querySelectorAll(sel)).map(idOf); },
      create: function (tag) { return idOf(doc.createElement(tag)); },
      tag: function (id) { return node(id).tagName.toLowerCase(); },
      attr: function (id, name) { return node(id).getAttribute(name); },
      setAttr: function (id, name, value) { node(id).setAttribute(name, value); },
      removeAttr: function (id, name) { node(id).removeAttribute(name); },
      style: function (id, prop) { return node(id).style.getPropertyValue(prop); },
      setStyle: function (id, prop, value) {
        var el = node(id);
        if (value === '') el.style.removeProperty(prop); else el.style.setProperty(prop, value);
        if (!el.style.length) el.removeAttribute('style');
      },
      parent: function (id) { return idOf(node(id).parentElement); },
      next: function (id) { return idOf(node(id).nextElementSibling); },
      append: function (id, child) { node(id).appendChild(node(child)); },
      insertBefore: function (id, child, ref) { node(id).insertBefore(node(child), node(ref)); },
      remove: function (id) { node(id).remove(); },
      matches: function (id, sel) { return node(id).matches(sel); },
      contentWindow: function (id) {
        var w = node(id).contentWindow;
        if (!w) return null;
        var fb = install(w);
        return fb ? fb.id : null;
      },
      observe: function () {
        if (observer) return;
        observer = new MutationObserver(report);
        observer.observe(doc, { subtree: true, childList: true, attributes: true, attributeFilter: ['src'] });
      },
      unobserve: function () {
        if (observer) { observer.disconnect(); observer = null; }
      }
    };
    var fb = {
      id: wid,
      track: idOf,
      call: function (op, args) {
        var f = ops[op];
        if (!f) throw new Error('framebridge: unknown op ' + op);
        return f.apply(null, args || []);
      },
      find: function (target) {
        if (target === wid) return fb;
        for (var i = 0; i < win.frames.length; i++) {
          var child = null;
          try { child = install(win.frames[i]); } catch (e) {}
          if (!child) continue;
          var hit = child.find(target);
          if (hit) return hit;
        }
        return null;
      }
    };
    Object.defineProperty(win, '__framebridge', { value: fb });
    win.addEventListener('load', function () { send('load'); });
    win.addEventListener('pagehide', function () { send('unload'); });
    var owner = {};
    try {
      var outer = win !== win.top && win.parent.__framebridge;
      if (outer && win.frameElement) owner = { parent: outer.id, frame: outer.track(win.frameElement) };
    } catch (e) {}
    send('hello', owner);
    return fb;
  }
  install(root);
})(window)`

// callExpr builds the expression that runs op in window wid. The result is
// JSON encoded so that undefined and null both arrive as "null".
func callExpr(wid, op string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s args: %w", op, err)
	}
	rawWid, _ := json.Marshal(wid)
	rawOp, _ := json.Marshal(op)
	return fmt.Sprintf(`(function () {
  var fb = window.__framebridge && window.__framebridge.find(%s);
  if (!fb) throw new Error(%q);
  var out = fb.call(%s, %s);
  return JSON.stringify(out === undefined ? null : out);
})()`, rawWid, detachedMessage, rawOp, rawArgs), nil
}

const detachedMessage = "framebridge: window gone"

// emitEvent is one message sent through BindingName.
type emitEvent struct {
	Kind     string `json:"kind"`
	Window   string `json:"window"`
	Top      bool   `json:"top"`
	Mutation string `json:"mutation,omitempty"`
	Target   string `json:"target,omitempty"`
	Attr     string `json:"attr,omitempty"`
	Parent   string `json:"parent,omitempty"`
	Frame    string `json:"frame,omitempty"`
}

func parseEmit(payload string) (emitEvent, error) {
	var ev emitEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decode binding payload: %w", err)
	}
	if ev.Window == "" {
		return ev, fmt.Errorf("binding payload without window: %s", payload)
	}
	return ev, nil
}
