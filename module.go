// Package msghub provides a single-threaded message application core.
// It unifies heterogeneous message sources behind one MQTT-style topic
// namespace: gateways adapt external sources, a dispatch goroutine owns
// every state mutation, a wildcard-aware router fans messages out to
// prioritized subscribers, and data items project remote or derived
// values as observable, optionally persistent state.
//
// Basic usage:
//
//	app := msghub.New()
//	app.AddGateway("local", msghub.NewEchoGateway())
//	sub, _ := app.Subscribe("local/sensors/#", func(msg *msghub.Message) error {
//		log.Println(msg.Topic(), msg.PayloadText())
//		return nil
//	})
//	defer sub.Close()
//	if err := app.Launch(); err != nil {
//		log.Fatal(err)
//	}
//	app.Publish("local/sensors/door", []byte("open"))
package msghub

// Module bundles a reusable feature set: gateways, data items,
// subscriptions, and schedules installed in one call. Modules are attached
// before launch via Application.AddModule.
type Module interface {
	// Name returns a descriptive identifier used in logs.
	Name() string

	// Attach installs the module's pieces into the application. Called
	// before launch; any error aborts AddModule.
	Attach(app *Application) error
}
