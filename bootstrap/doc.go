// Package bootstrap wires the intelvault components together from a Config and
// manages their lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	app.WaitForShutdown()
//	app.Shutdown(context.Background())
package bootstrap
