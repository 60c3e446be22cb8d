// Package webhook implements the in-process webhook registry.
//
// A webhook is a registered (id, subscriber) pair plus the public URL a third
// party uses to deliver callbacks. The registry is created with a Readiness
// source, normally the lifecycle guard, and refuses to create webhooks until
// the public endpoint is live.
//
// Subscribers receive events asynchronously: the dispatcher enqueues an event
// and returns immediately, and a per-subscriber worker invokes the handlers
// in arrival order.
//
//	wh, err := registry.Create("abc123", map[string]string{"text": "hi"})
//	if err != nil {
//		return err
//	}
//	wh.Subscriber.On(domain.MethodPost, func(ctx context.Context, ev *domain.DispatchEvent) error {
//		log.Printf("received %s", ev.RequestPayload)
//		return nil
//	})
//	fmt.Println(wh.URL)
//
// Registrations are never removed; re-creating an existing id returns the
// existing subscriber together with its original creation data.
package webhook
