package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/usbdii/dcihid-go/core"
	"github.com/usbdii/dcihid-go/memorywriter"

	"github.com/gorilla/mux"
)

// This package serves the register-access API over HTTP. The actual
// logic lives in the core package; here we only convert between
// request/response JSON and core calls.

type api struct {
	core    *core.Core
	version string
	logger  *memorywriter.MemoryWriter
}

func ServeAPI(r *mux.Router, c *core.Core, v string, l *memorywriter.MemoryWriter) {
	api := &api{
		core:    c,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/configure", api.Info)
	r.HandleFunc("/enumerate", api.Enumerate)
	r.HandleFunc("/listen", api.Listen)
	r.HandleFunc("/open/{path}/{card}/{num}", api.Open)
	r.HandleFunc("/close/{handle}", api.Close)
	r.HandleFunc("/write/{handle}", api.Write)
	r.HandleFunc("/read/{handle}", api.Read)

	r.Use(CORS(corsValidator()))
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("api - version " + a.version)

	type info struct {
		Version string `json:"version"`
	}
	err := json.NewEncoder(w).Encode(info{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	e, err := a.core.Enumerate()
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(e)
	a.checkJSONError(w, err)
}

func (a *api) Listen(w http.ResponseWriter, r *http.Request) {
	var entries []core.EnumerateEntry

	err := json.NewDecoder(r.Body).Decode(&entries)
	defer func() {
		errClose := r.Body.Close()
		if errClose != nil {
			// just log
			a.logger.Log("api - error on request close: " + errClose.Error())
		}
	}()
	if err != nil {
		a.respondError(w, err)
		return
	}

	res, err := a.core.Listen(entries, r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, err)
}

func (a *api) Open(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path := vars["path"]

	card, err := strconv.ParseUint(vars["card"], 0, 32)
	if err != nil {
		a.respondError(w, err)
		return
	}
	num, err := strconv.ParseUint(vars["num"], 0, 32)
	if err != nil {
		a.respondError(w, err)
		return
	}

	handle, err := a.core.Open(path, uint(card), uint(num))
	if err != nil {
		a.respondError(w, err)
		return
	}

	type result struct {
		Handle uint32 `json:"handle"`
	}
	err = json.NewEncoder(w).Encode(result{
		Handle: handle,
	})
	a.checkJSONError(w, err)
}

func (a *api) Close(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handleVar(r)
	if err != nil {
		a.respondError(w, err)
		return
	}

	if err := a.core.Close(handle); err != nil {
		a.respondError(w, err)
		return
	}

	type result struct {
		Handle uint32 `json:"handle"`
	}
	err = json.NewEncoder(w).Encode(result{
		Handle: handle,
	})
	a.checkJSONError(w, err)
}

func (a *api) Write(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handleVar(r)
	if err != nil {
		a.respondError(w, err)
		return
	}

	var body struct {
		Address uint32 `json:"address"`
		Data    uint32 `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, err)
		return
	}

	if err := a.core.WriteRegister(handle, body.Address, body.Data); err != nil {
		a.respondError(w, err)
		return
	}

	type result struct {
		Address uint32 `json:"address"`
	}
	err = json.NewEncoder(w).Encode(result{
		Address: body.Address,
	})
	a.checkJSONError(w, err)
}

func (a *api) Read(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handleVar(r)
	if err != nil {
		a.respondError(w, err)
		return
	}

	var body struct {
		Address uint32 `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, err)
		return
	}

	data, err := a.core.ReadRegister(handle, body.Address)
	if err != nil {
		a.respondError(w, err)
		return
	}

	type result struct {
		Address uint32 `json:"address"`
		Data    byte   `json:"data"`
	}
	err = json.NewEncoder(w).Encode(result{
		Address: body.Address,
		Data:    data,
	})
	a.checkJSONError(w, err)
}

func (a *api) handleVar(r *http.Request) (uint32, error) {
	handle, err := strconv.ParseUint(mux.Vars(r)["handle"], 10, 32)
	return uint32(handle), err
}

// The daemon binds to loopback only; CORS additionally limits browser
// callers to local development origins.
func corsValidator() OriginValidator {
	lregex := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1):[58][[:digit:]]{3}$`)

	return func(origin string) bool {
		// empty origin means a non-browser client
		if origin == "" {
			return true
		}
		return lregex.MatchString(origin)
	}
}

func (a *api) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) respondError(w http.ResponseWriter, err error) {
	type jsonError struct {
		Error string `json:"error"`
	}
	a.logger.Log("api - returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	err = json.NewEncoder(w).Encode(jsonError{
		Error: err.Error(),
	})
	if err != nil {
		a.logger.Log("api - error while writing error: " + err.Error())
	}
}
