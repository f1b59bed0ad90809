// Package config loads froyomake workspace descriptions and turns them into
// engine objects.
//
// # Overview
//
// A workspace is a directory holding froyomake.yaml and a set of CUE files.
// The CUE files declare four top-level sections:
//
//	fragments: {
//	    platform: members: [
//	        {name: "win32", bits: 1},
//	        {name: "win64", bits: 2},
//	        {name: "windows", bits: 3, composite: true},
//	    ]
//	    optimization: members: [
//	        {name: "debug", bits: 1},
//	        {name: "release", bits: 2},
//	    ]
//	}
//
//	schemas: default: ["platform", "optimization"]
//
//	types: Library: {
//	    parent: "Project"
//	    rules: [{
//	        name:   "Windows"
//	        filter: ["platform.windows"]
//	        script: """
//	            def configure(conf, target, entity):
//	                conf.append("defines", "_WINDOWS")
//	            """
//	    }]
//	}
//
//	entities: core: {
//	    type:   "Library"
//	    schema: "default"
//	    targets: [{platform: "*", optimization: "debug|release"}]
//	    exclude: [{platform: "win32", optimization: "debug"}]
//	}
//
// Files are unified, so sections may be split across files freely.
//
// # Components
//
// Loader: discovers files with doublestar patterns, compiles and unifies them
// with CUE and decodes each declaration. Problems are collected in
// Description.Errors with file and line.
//
// SchemaRegistry: CUE definitions (#Fragment, #Type, #Entity, ...) every
// declaration is unified with after struct-tag validation.
//
// StarlarkEvaluator: compiles rule scripts. A script defines
// configure(conf, target, entity); conf exposes set, append, get and depend,
// target exposes name, get and has, entity exposes name, type and identity.
//
// Build: registers fragments, defines types parents first and creates one
// engine.Configurable per entity.
//
// Settings: the froyomake.yaml file.
//
// # Usage
//
//	loader := config.NewLoader(config.WithLoaderLogger(logger))
//	desc, err := loader.Load(ctx, files)
//	if err != nil {
//	    return err
//	}
//	ws, err := config.Build(desc, config.BuildOptions{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	result, err := engine.NewResolutionEngine(ws.Registry).ResolveAll(ctx, ws.Entities, opts)
package config
