package status

import (
	"net/http"

	"github.com/usbdii/dcihid-go/core"
	"github.com/usbdii/dcihid-go/memorywriter"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

// This package serves the status page on /status/ and the detailed
// log at /status/log.gz

type status struct {
	core                                *core.Core
	version                             string
	shortMemoryWriter, longMemoryWriter *memorywriter.MemoryWriter
}

const csrfkey = "x0d81cq4dcihid7s21jw9fhrfyd84f59"

func ServeStatusRedirect(r *mux.Router, addr string) {
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "http://"+addr+"/status/", http.StatusMovedPermanently)
	})
	r.Use(OriginCheck(map[string]string{
		"": "",
	}))
}

func ServeStatus(r *mux.Router, c *core.Core, addr, v string, mw, dmw *memorywriter.MemoryWriter) {
	status := &status{
		core:              c,
		version:           v,
		shortMemoryWriter: mw,
		longMemoryWriter:  dmw,
	}
	r.Methods("GET").Path("/").HandlerFunc(status.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(status.statusGzip)

	r.Use(csrf.Protect([]byte(csrfkey), csrf.Secure(false)))
	r.Use(OriginCheck(map[string]string{
		"/status/":       "",
		"/status/log.gz": "http://" + addr,
	}))
}

func (s *status) statusGzip(w http.ResponseWriter, r *http.Request) {
	s.longMemoryWriter.Log("status - building gzip")

	start := s.version + "\nDetailed log:\n"
	gzip, err := s.longMemoryWriter.Gzip(start)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")

	if _, err := w.Write(gzip); err != nil {
		respondError(w, err)
	}
}

func (s *status) statusPage(w http.ResponseWriter, r *http.Request) {
	s.longMemoryWriter.Log("status - building status page")

	var templateErr error
	tdevs, err := s.statusEnumerate()
	if err != nil {
		s.longMemoryWriter.Log("status - enumerate err " + err.Error())
		templateErr = err
	}

	log, err := s.shortMemoryWriter.String(s.version + "\n")
	if err != nil {
		respondError(w, err)
		return
	}

	isErr := templateErr != nil
	strErr := ""
	if templateErr != nil {
		strErr = templateErr.Error()
	}

	data := &statusTemplateData{
		Version:     s.version,
		Devices:     tdevs,
		DeviceCount: len(tdevs),
		Log:         log,
		IsError:     isErr,
		Error:       strErr,
		CSRFField:   csrf.TemplateField(r),
	}

	if err := statusTemplate.Execute(w, data); err != nil {
		respondError(w, err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *status) statusEnumerate() ([]statusTemplateDevice, error) {
	e, err := s.core.Enumerate()
	if err != nil {
		return nil, err
	}

	tdevs := make([]statusTemplateDevice, 0)
	for _, dev := range e {
		tdevs = append(tdevs, statusTemplateDevice{
			Path:     dev.Path,
			Used:     len(dev.Sessions) > 0,
			Sessions: dev.Sessions,
		})
	}
	return tdevs, nil
}
