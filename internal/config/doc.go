// Package config provides configuration parsing for kiln projects.
//
// The configuration is stored in kiln.json (or kiln.yaml) at the project
// root. This package handles loading, saving, defaults and validation.
//
// # Configuration File Structure
//
//	{
//	  "root": "src/App.svelte",
//	  "mode": "dom",
//	  "port": 3000,
//	  "host": "localhost",
//	  "contentBase": ["public"],
//	  "historyApiFallback": true,
//	  "importMap": "import_map.json",
//	  "dev": {
//	    "openBrowser": true,
//	    "watch": ["src/**/*"],
//	    "debounce": "100ms"
//	  },
//	  "build": {
//	    "output": "dist",
//	    "minify": true
//	  }
//	}
//
// historyApiFallback accepts a boolean or the path of the document served
// for unknown routes ("/app.html"). true means "/index.html".
//
// # Usage
//
//	cfg, err := config.LoadFromWorkingDir()
//	if err != nil {
//	    errors.PrintError(err)
//	    os.Exit(1)
//	}
//	fmt.Println(cfg.DevURL())
package config
