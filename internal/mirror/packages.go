package mirror

import (
	"bytes"
	"fmt"
)

// Package locates an asset inside a package published on the npm mirror.
type Package struct {
	Name string
	File string
	// Minified is the suffix of the minified build (".min", "-min"), empty
	// when File already names it.
	Minified string
}

// normalizer strips a difference known to exist between the local and the
// mirrored build of a handle.
type normalizer func(origin, remote []byte) ([]byte, []byte)

type Packages struct {
	scripts map[string]Package
	styles  map[string]Package
}

func defaultScripts() map[string]Package {
	return map[string]Package{
		"jquery-core":          {"jquery", "dist/jquery", ".min"},
		"jquery-migrate":       {"jquery-migrate", "dist/jquery-migrate", ".min"},
		"underscore":           {"underscore", "underscore", "-min"},
		"backbone":             {"backbone", "backbone", "-min"},
		"react":                {"react", "umd/react.production.min", ""},
		"react-dom":            {"react-dom", "umd/react-dom.production.min", ""},
		"moment":               {"moment", "min/moment.min", ""},
		"lodash":               {"lodash", "lodash", ".min"},
		"wp-polyfill":          {"@babel/polyfill", "dist/polyfill", ".min"},
		"wp-polyfill-formdata": {"formdata-polyfill", "formdata.min", ""},
		"plupload":             {"plupload", "js/plupload.full.min", ""},
		"mediaelement-core":    {"mediaelement", "build/mediaelement-and-player", ".min"},
		"mediaelement-vimeo":   {"mediaelement", "build/renderers/vimeo", ".min"},
		"twentysixteen-html5":  {"html5shiv", "dist/html5shiv", ".min"},
		"jquery-scrollto":      {"jquery.scrollto", "jquery.scrollTo", ".min"},
	}
}

func defaultStyles() map[string]Package {
	return map[string]Package{
		"mediaelement": {"mediaelement", "build/mediaelementplayer-legacy", ".min"},
	}
}

// NewPackages returns the built-in table with extra entries merged over it.
func NewPackages(extra []PackageConfig) *Packages {
	p := &Packages{scripts: defaultScripts(), styles: defaultStyles()}
	for _, e := range extra {
		pkg := Package{Name: e.Package, File: e.File, Minified: e.Minified}
		if e.Type == DependencyStyle {
			p.styles[e.Handle] = pkg
		} else {
			p.scripts[e.Handle] = pkg
		}
	}
	return p
}

func (p *Packages) Lookup(handle string, typ DependencyType) (Package, bool) {
	if typ == DependencyStyle {
		pkg, ok := p.styles[handle]
		return pkg, ok
	}
	pkg, ok := p.scripts[handle]
	return pkg, ok
}

// MirrorPath builds the npm mirror path of the asset.
func (pkg Package) MirrorPath(version string, typ DependencyType, debug bool) string {
	suffix := ""
	if !debug {
		suffix = pkg.Minified
	}
	ext := "js"
	if typ == DependencyStyle {
		ext = "css"
	}
	return fmt.Sprintf("/npm/%s@%s/%s%s.%s", pkg.Name, version, pkg.File, suffix, ext)
}

// knownDifferences maps script handles to the normalization that makes the
// local and mirrored minified builds comparable.
var knownDifferences = map[string]normalizer{
	// The local build appends a noConflict call.
	"jquery-core": func(origin, remote []byte) ([]byte, []byte) {
		origin = bytes.TrimRight(bytes.ReplaceAll(origin, []byte("jQuery.noConflict();"), nil), " \t\n\r\x00\x0B")
		return origin, bytes.TrimRight(remote, " \t\n\r\x00\x0B")
	},
	// The mirrored build references a source map the local one does not ship.
	"underscore": func(origin, remote []byte) ([]byte, []byte) {
		remote = bytes.TrimRight(bytes.ReplaceAll(remote, []byte("//# sourceMappingURL=underscore-min.map"), nil), " \t\n\r\x00\x0B")
		return bytes.TrimRight(origin, " \t\n\r\x00\x0B"), remote
	},
}

func normalizerFor(handle string, typ DependencyType, debug bool) (normalizer, bool) {
	if debug || typ != DependencyScript {
		return nil, false
	}
	n, ok := knownDifferences[handle]
	return n, ok
}
