// Package errors turns logsift failures into CLI errors with user-friendly
// messages, suggestions and exit codes.
//
// Core types:
//   - CLIError: Wraps errors with message, suggestion, and details
//   - ErrorMessenger: Interface for customizing error messages
//
// Example usage:
//
//	res, err := ex.Extract(ctx, src)
//	if err != nil {
//	    err = errors.Wrap(err,
//	        errors.WithProvider("GitHub", "GITHUB_TOKEN"),
//	        errors.WithRunID(src.RunID),
//	    )
//	    fmt.Fprintln(os.Stderr, err)
//	    os.Exit(errors.ExitCode(err))
//	}
package errors
