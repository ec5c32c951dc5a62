package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
)

// Dispatcher exposes functions as POST /func/{name} JSON calls. A function
// is either func(ctx, *Req, *Res) error or func(ctx, *Res) error.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

// badRequest marks an error caused by the caller's input.
type badRequest struct {
	err error
}

func (b badRequest) Error() string {
	return b.err.Error()
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = validator.New()
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	_func, ok := disp.funcs[funcname]
	if !ok {
		http.Error(w, fmt.Sprintf("function \"%s\" not found", funcname), http.StatusNotFound)
		return
	}
	disp.call(_func, r, w)
}

func (disp *Dispatcher) call(_func _function, r *http.Request, w http.ResponseWriter) {
	var err error
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	ctx := reflect.ValueOf(r.Context())
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{ctx, request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{ctx, response})
	}
	if !err_ref[0].IsNil() {
		err = err_ref[0].Interface().(error)
		var br badRequest
		if errors.As(err, &br) {
			http.Error(w, br.Error(), http.StatusBadRequest)
			return
		}
		disp.log.Error().Err(err).Msg("function call failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(response.Interface())
	if err != nil {
		disp.log.Error().Err(err).Msg("")
	}
}

func (disp *Dispatcher) Add(funcname string, f interface{}) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	t := s.handler.Type()
	ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()
	if t.Kind() != reflect.Func || t.NumIn() < 2 || t.NumIn() > 3 || t.In(0) != ctxType || t.NumOut() != 1 {
		panic(fmt.Sprintf("dispatcher: unsupported signature for %s: %s", funcname, t))
	}
	if t.NumIn() == 2 {
		s.reqType = nil
		s.resType = t.In(1).Elem()
	} else {
		s.reqType = t.In(1).Elem()
		s.resType = t.In(2).Elem()
	}
	disp.funcs[funcname] = s
}
