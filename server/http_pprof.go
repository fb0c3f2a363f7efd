// Runtime profiles over HTTP, mounted at config.PprofPath:
//
//	GET <path>/           profile names and counts
//	GET <path>/<name>     the named profile as text; goroutine dumps full stacks
//
// A ?debug=N query overrides the text level, debug=0 returns the binary form.

package main

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"

	"github.com/tinode/tablesync/logs"
)

func servePprof(mux *http.ServeMux, at string) {
	if at == "" || at == "-" {
		return
	}

	root := path.Clean("/"+at) + "/"
	mux.Handle(root, http.StripPrefix(root, http.HandlerFunc(dumpProfile)))

	logs.Info.Println("pprof: serving runtime profiles at", root)
}

func dumpProfile(wrt http.ResponseWriter, req *http.Request) {
	hdr := wrt.Header()
	hdr.Set("X-Content-Type-Options", "nosniff")

	name := strings.Trim(req.URL.Path, "/")
	if name == "" {
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		listProfiles(wrt)
		return
	}

	prof := pprof.Lookup(name)
	if prof == nil {
		http.Error(wrt, "unknown profile "+strconv.Quote(name), http.StatusNotFound)
		return
	}

	level := 1
	if name == "goroutine" {
		level = 2
	}
	if q := req.URL.Query().Get("debug"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(wrt, "bad debug level "+strconv.Quote(q), http.StatusBadRequest)
			return
		}
		level = n
	}
	if level == 0 {
		hdr.Set("Content-Type", "application/octet-stream")
		hdr.Set("Content-Disposition", `attachment; filename="`+name+`"`)
	} else {
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
	}

	if err := prof.WriteTo(wrt, level); err != nil {
		logs.Warn.Println("pprof:", name, err)
	}
}

func listProfiles(w io.Writer) {
	profs := pprof.Profiles()
	sort.Slice(profs, func(i, j int) bool { return profs[i].Name() < profs[j].Name() })
	for _, p := range profs {
		fmt.Fprintf(w, "%s %d\n", p.Name(), p.Count())
	}
}
