package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
	DocURL   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Serve Errors (E100-E119)
	// ============================================

	"E100": {
		Category: CategoryServe,
		Message:  "Path traversal rejected",
		Detail:   "The request path escapes the content base and was not served.",
		DocURL:   "https://kiln.dev/docs/errors/E100",
	},
	"E101": {
		Category: CategoryServe,
		Message:  "File not found",
		Detail:   "No content base contains the requested file.",
		DocURL:   "https://kiln.dev/docs/errors/E101",
	},
	"E102": {
		Category: CategoryServe,
		Message:  "Filesystem error",
		Detail:   "The file exists but could not be read.",
		DocURL:   "https://kiln.dev/docs/errors/E102",
	},

	// ============================================
	// Configuration Errors (E120-E139)
	// ============================================

	"E120": {
		Category: CategoryConfig,
		Message:  "Invalid kiln config",
		Detail:   "The kiln.json or kiln.yaml configuration file is malformed.",
		DocURL:   "https://kiln.dev/docs/errors/E120",
	},
	"E121": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A configuration value is missing or not one of the accepted values.",
		DocURL:   "https://kiln.dev/docs/errors/E121",
	},
	"E122": {
		Category: CategoryConfig,
		Message:  "Invalid port number",
		Detail:   "The dev server uses the configured port and the port after it for hot reload.",
		DocURL:   "https://kiln.dev/docs/errors/E122",
	},
	"E123": {
		Category: CategoryConfig,
		Message:  "Invalid import map",
		Detail:   "The import map file could not be read or is not valid JSON.",
		DocURL:   "https://kiln.dev/docs/errors/E123",
	},

	// ============================================
	// CLI Errors (E140-E159)
	// ============================================

	"E140": {
		Category: CategoryCLI,
		Message:  "Address already in use",
		Detail:   "Another process is listening on the requested address.",
		DocURL:   "https://kiln.dev/docs/errors/E140",
	},
	"E141": {
		Category: CategoryCLI,
		Message:  "Not a kiln project",
		Detail:   "The current directory is not a kiln project. Run this command from a directory with kiln.json.",
		DocURL:   "https://kiln.dev/docs/errors/E141",
	},
	"E142": {
		Category: CategoryCLI,
		Message:  "Cannot create directory",
		Detail:   "A directory required by the build could not be created.",
		DocURL:   "https://kiln.dev/docs/errors/E142",
	},
	"E143": {
		Category: CategoryCLI,
		Message:  "Node.js not found",
		Detail:   "The component compiler runs on Node.js, which is not installed or not in PATH.",
		DocURL:   "https://kiln.dev/docs/errors/E143",
	},

	// ============================================
	// Compile Errors (E160-E169)
	// ============================================

	"E160": {
		Category: CategoryCompile,
		Message:  "Component compilation failed",
		DocURL:   "https://kiln.dev/docs/errors/E160",
	},
	"E161": {
		Category: CategoryCompile,
		Message:  "Preprocessing failed",
		DocURL:   "https://kiln.dev/docs/errors/E161",
	},
	"E162": {
		Category: CategoryCompile,
		Message:  "Bundling failed",
		DocURL:   "https://kiln.dev/docs/errors/E162",
	},

	// ============================================
	// Deploy Errors (E170-E179)
	// ============================================

	"E170": {
		Category: CategoryDeploy,
		Message:  "Deploy failed",
		Detail:   "Uploading the build output to the bucket failed.",
		DocURL:   "https://kiln.dev/docs/errors/E170",
	},
}
