// Package dispatch implements the inbound message handler: it receives
// GET/SET/APPLY/RELEASE/BATCH from the connection layer, resolves the
// addressed service or resource, walks the request's path against the
// target Go value by reflection, revives arguments and sanitizes results
// through the payload codec, and replies with RES/ERR (or BATCH_RES).
package dispatch

import (
	"reflect"
	"unicode"

	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/payload"
	"github.com/c-w-xiaohei/nexus/pkg/resource"
	"github.com/c-w-xiaohei/nexus/pkg/wire"
)

// AuthHook gates whether callerIdentity may reach path on the service
// named serviceName ("" when the call is addressed to a resourceId
// instead of a service). A nil hook allows everything.
type AuthHook func(callerIdentity conn.Identity, serviceName string, path []string) bool

// Handler is the L3 message handler.
type Handler struct {
	logger    nexuslog.Logger
	resources *resource.Manager
	sanitizer *payload.Sanitizer
	reviver   *payload.Reviver
	canCall   AuthHook
}

// New builds a Handler.
func New(logger nexuslog.Logger, resources *resource.Manager, sanitizer *payload.Sanitizer, reviver *payload.Reviver, canCall AuthHook) *Handler {
	return &Handler{
		logger:    logger.Fork("dispatch"),
		resources: resources,
		sanitizer: sanitizer,
		reviver:   reviver,
		canCall:   canCall,
	}
}

// Handle processes one inbound message from c. RES/ERR are not this
// handler's concern; the engine routes those to the call processor instead.
func (h *Handler) Handle(c *conn.Connection, msg wire.Message) {
	switch m := msg.(type) {
	case wire.GetMsg:
		v, err := h.handleGet(c, m.ResourceID, m.Path)
		h.reply(c, m.ID, v, err)
	case wire.SetMsg:
		err := h.handleSet(c, m.ResourceID, m.Path, m.Value)
		h.reply(c, m.ID, nil, err)
	case wire.ApplyMsg:
		v, err := h.handleApply(c, m.ResourceID, m.Path, m.Args)
		h.reply(c, m.ID, v, err)
	case wire.ReleaseMsg:
		h.resources.ReleaseLocalResource(m.ResourceID)
	case wire.BatchMsg:
		h.handleBatch(c, m)
	}
}

func (h *Handler) reply(c *conn.Connection, id string, value interface{}, err error) {
	if id == "" {
		return
	}
	var msg wire.Message
	if err != nil {
		msg = wire.ErrMsg{ID: id, Error: nexuserr.Serialize(err)}
	} else {
		msg = wire.ResMsg{ID: id, Result: value}
	}
	if sendErr := c.Send(msg); sendErr != nil {
		h.logger.WLogf("replying to %s: %v", id, sendErr)
	}
}

func (h *Handler) handleBatch(c *conn.Connection, m wire.BatchMsg) {
	results := make([]wire.BatchResult, len(m.Calls))
	for i, call := range m.Calls {
		switch cm := call.(type) {
		case wire.GetMsg:
			v, err := h.handleGet(c, cm.ResourceID, cm.Path)
			results[i] = toBatchResult(v, err)
		case wire.SetMsg:
			err := h.handleSet(c, cm.ResourceID, cm.Path, cm.Value)
			results[i] = toBatchResult(nil, err)
		case wire.ApplyMsg:
			v, err := h.handleApply(c, cm.ResourceID, cm.Path, cm.Args)
			results[i] = toBatchResult(v, err)
		default:
			results[i] = toBatchResult(nil, nexuserr.New(nexuserr.KindProtocol, "unsupported call type %s in batch", call.MessageType()))
		}
	}
	if err := c.Send(wire.BatchResMsg{ID: m.ID, Results: results}); err != nil {
		h.logger.WLogf("replying to batch %s: %v", m.ID, err)
	}
}

func toBatchResult(value interface{}, err error) wire.BatchResult {
	if err != nil {
		return wire.BatchResult{OK: false, Error: nexuserr.Serialize(err)}
	}
	return wire.BatchResult{OK: true, Value: value}
}

func (h *Handler) handleGet(c *conn.Connection, resourceID *string, path []string) (interface{}, error) {
	root, serviceName, relPath, err := h.resolveRoot(c, resourceID, path)
	if err != nil {
		return nil, err
	}
	if !h.authorized(c, serviceName, path) {
		return nil, nexuserr.New(nexuserr.KindTargeting, "caller is not authorized to reach %v", path)
	}
	val, err := walkValue(root, relPath)
	if err != nil {
		return nil, err
	}
	return h.sanitizer.Sanitize(val, c.ID())
}

func (h *Handler) handleSet(c *conn.Connection, resourceID *string, path []string, rawValue interface{}) error {
	root, serviceName, relPath, err := h.resolveRoot(c, resourceID, path)
	if err != nil {
		return err
	}
	if !h.authorized(c, serviceName, path) {
		return nexuserr.New(nexuserr.KindTargeting, "caller is not authorized to reach %v", path)
	}
	if len(relPath) == 0 {
		return nexuserr.New(nexuserr.KindUsage, "SET on an empty path is not allowed")
	}
	value, err := h.reviver.Revive(rawValue, c.ID())
	if err != nil {
		return err
	}
	return setField(root, relPath, value)
}

func (h *Handler) handleApply(c *conn.Connection, resourceID *string, path []string, rawArgs []interface{}) (interface{}, error) {
	root, serviceName, relPath, err := h.resolveRoot(c, resourceID, path)
	if err != nil {
		return nil, err
	}
	if !h.authorized(c, serviceName, path) {
		return nil, nexuserr.New(nexuserr.KindTargeting, "caller is not authorized to reach %v", path)
	}
	args := make([]interface{}, len(rawArgs))
	for i, a := range rawArgs {
		v, err := h.reviver.Revive(a, c.ID())
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	result, err := invokeMethod(root, relPath, args)
	if err != nil {
		return nil, err
	}
	return h.sanitizer.Sanitize(result, c.ID())
}

// resolveRoot finds the Go value a request's path is relative to: either a
// local resource (identified by resourceID, owned by the caller) or an
// exposed service (rooted at path[0]). It also returns the path relative
// to that root (the service name segment is consumed for service-rooted
// calls) and, for authorization, the service name ("" for a resource).
func (h *Handler) resolveRoot(c *conn.Connection, resourceID *string, path []string) (root interface{}, serviceName string, relPath []string, err error) {
	if resourceID != nil {
		lr, ok := h.resources.LookupLocalResource(*resourceID)
		if !ok {
			return nil, "", nil, nexuserr.New(nexuserr.KindResource, "unknown resource %q", *resourceID)
		}
		if lr.OwnerConnectionID != c.ID() {
			return nil, "", nil, nexuserr.New(nexuserr.KindResource, "resource %q is not accessible from this connection", *resourceID)
		}
		return lr.Target, "", path, nil
	}
	if len(path) == 0 {
		return nil, "", nil, nexuserr.New(nexuserr.KindProtocol, "path is required when resourceId is absent")
	}
	svc, ok := h.resources.LookupService(path[0])
	if !ok {
		return nil, "", nil, nexuserr.New(nexuserr.KindTargeting, "no service named %q", path[0])
	}
	return svc, path[0], path[1:], nil
}

func (h *Handler) authorized(c *conn.Connection, serviceName string, path []string) bool {
	if h.canCall == nil {
		return true
	}
	return h.canCall(c.Identity(), serviceName, path)
}

func exportedName(segment string) string {
	if segment == "" {
		return segment
	}
	r := []rune(segment)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func resolveValue(v reflect.Value, segment string) (reflect.Value, error) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, nexuserr.New(nexuserr.KindProtocol, "cannot read %q of a nil value", segment)
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		val := v.MapIndex(reflect.ValueOf(segment))
		if !val.IsValid() {
			return reflect.Value{}, nexuserr.New(nexuserr.KindProtocol, "no key %q", segment)
		}
		return val, nil
	case reflect.Struct:
		field := v.FieldByName(exportedName(segment))
		if !field.IsValid() {
			return reflect.Value{}, nexuserr.New(nexuserr.KindProtocol, "no field %q", segment)
		}
		return field, nil
	default:
		return reflect.Value{}, nexuserr.New(nexuserr.KindProtocol, "cannot read %q of a %s", segment, v.Kind())
	}
}

// walkValue reads the value at path, relative to root.
func walkValue(root interface{}, path []string) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, nexuserr.New(nexuserr.KindProtocol, "GET panicked: %v", r)
		}
	}()
	if len(path) == 0 {
		return root, nil
	}
	v := reflect.ValueOf(root)
	for _, seg := range path {
		v, err = resolveValue(v, seg)
		if err != nil {
			return nil, err
		}
	}
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

func walkParent(root interface{}, path []string) (reflect.Value, error) {
	v := reflect.ValueOf(root)
	var err error
	for _, seg := range path[:len(path)-1] {
		v, err = resolveValue(v, seg)
		if err != nil {
			return reflect.Value{}, err
		}
	}
	return v, nil
}

func deref(v reflect.Value, segment string) (reflect.Value, error) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, nexuserr.New(nexuserr.KindProtocol, "cannot reach %q on a nil value", segment)
		}
		v = v.Elem()
	}
	return v, nil
}

// setField assigns value at path, relative to root.
func setField(root interface{}, path []string, value interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nexuserr.New(nexuserr.KindProtocol, "SET panicked: %v", r)
		}
	}()
	parent, err := walkParent(root, path)
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	parent, err = deref(parent, last)
	if err != nil {
		return err
	}
	switch parent.Kind() {
	case reflect.Map:
		if parent.Type().Key().Kind() != reflect.String {
			return nexuserr.New(nexuserr.KindProtocol, "cannot SET a non-string-keyed map")
		}
		parent.SetMapIndex(reflect.ValueOf(last), reflect.ValueOf(value))
		return nil
	case reflect.Struct:
		field := parent.FieldByName(exportedName(last))
		if !field.IsValid() || !field.CanSet() {
			return nexuserr.New(nexuserr.KindProtocol, "no settable field %q", last)
		}
		field.Set(reflect.ValueOf(value))
		return nil
	default:
		return nexuserr.New(nexuserr.KindProtocol, "cannot SET %q on a %s", last, parent.Kind())
	}
}

// invokeMethod calls the callable at path relative to root with args. An
// empty path invokes root itself (the shape a minted function resource
// takes); otherwise the last segment names a method (or func-valued field
// or map entry) on its parent.
func invokeMethod(root interface{}, path []string, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, nexuserr.New(nexuserr.KindProtocol, "APPLY panicked: %v", r)
		}
	}()

	if len(path) == 0 {
		cb, ok := root.(payload.Callback)
		if !ok {
			return nil, nexuserr.New(nexuserr.KindUsage, "target is not callable")
		}
		return cb(args)
	}

	parent, err := walkParent(root, path)
	if err != nil {
		return nil, err
	}
	last := path[len(path)-1]
	parent, err = deref(parent, last)
	if err != nil {
		return nil, err
	}

	var fn reflect.Value
	switch parent.Kind() {
	case reflect.Struct:
		if parent.CanAddr() {
			if m := parent.Addr().MethodByName(exportedName(last)); m.IsValid() {
				fn = m
			}
		}
		if !fn.IsValid() {
			if m := parent.MethodByName(exportedName(last)); m.IsValid() {
				fn = m
			}
		}
		if !fn.IsValid() {
			if f := parent.FieldByName(exportedName(last)); f.IsValid() && f.Kind() == reflect.Func {
				fn = f
			}
		}
	case reflect.Map:
		if f := parent.MapIndex(reflect.ValueOf(last)); f.IsValid() {
			fn = f
		}
	}
	if !fn.IsValid() {
		return nil, nexuserr.New(nexuserr.KindProtocol, "no callable %q", last)
	}
	if cb, ok := fn.Interface().(payload.Callback); ok {
		return cb(args)
	}
	if fn.Kind() != reflect.Func {
		return nil, nexuserr.New(nexuserr.KindProtocol, "%q is not callable", last)
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil && fn.Type().NumIn() > i {
			in[i] = reflect.Zero(fn.Type().In(i))
		} else {
			in[i] = reflect.ValueOf(a)
		}
	}
	return adaptReturn(fn.Call(in))
}

func adaptReturn(out []reflect.Value) (interface{}, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if err, ok := out[0].Interface().(error); ok {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if err, ok := last.Interface().(error); ok {
			if err != nil {
				return nil, err
			}
			return out[0].Interface(), nil
		}
		return out[0].Interface(), nil
	}
}
