// Package errors provides structured, actionable error messages for kiln.
//
// Every error kiln reports to a user carries a registry code:
//   - E100-E119: serving (path traversal, not found, filesystem)
//   - E120-E139: configuration
//   - E140-E159: CLI and process environment
//   - E160-E169: component compilation and bundling
//   - E170-E179: deploy
//
// Compiler and bundler failures carry the offending location and a one-line
// code frame. Tools that report their own frame pass it with WithFrame;
// otherwise WithLocation reads the line from the file:
//
//	err := errors.New("E160").
//	    WithDetail("Unexpected token").
//	    WithLocation("src/App.svelte", 4, 18)
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR E160: Component compilation failed
//	//
//	//   src/App.svelte:4:18
//	//
//	//      4 │ <button on:click={}>
//	//        │                  ^
//	//
//	//   Unexpected token
//
// With SetJSONOutput(true), PrintError writes each error as one JSON object
// so that machine-read logs stay machine-readable.
package errors
