package harvest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"energy-harvester/internal/infra/clock"
	"energy-harvester/internal/infra/throttle"
)

// serverClock отвечает листингом со временем сервера, равным локальному.
type serverClock struct{}

func (serverClock) Call(context.Context, Request) (*Response, error) {
	return body(fmt.Sprintf(`{"resultCode":"SUCCESS","serverTime":%d,"bubbles":[]}`, time.Now().UnixMilli())), nil
}

func TestListResourcesDriftExcludesPacing(t *testing.T) {
	t.Parallel()

	pacer := throttle.New(throttle.WithPolicy(OpListResource, throttle.Fixed(300*time.Millisecond)))
	drift := clock.NewDrift(5)
	api := NewAPI(serverClock{}, pacer, drift, DefaultCodes)

	for range 3 {
		if _, err := api.ListResources(context.Background(), Target{ID: "u1"}); err != nil {
			t.Fatalf("ListResources: %v", err)
		}
	}

	if off := drift.Offset(); off < -50*time.Millisecond || off > 50*time.Millisecond {
		t.Fatalf("offset = %s, want ~0", off)
	}
	if d := drift.Delay(); d > 30*time.Millisecond {
		t.Fatalf("delay = %s, want ~0", d)
	}
}

func TestListResourcesParsesListing(t *testing.T) {
	t.Parallel()

	tr := &script{responses: []scripted{
		ok(`{"resultCode":"SUCCESS","serverTime":1714557600000,"userName":"Ann","protected":"",
			"bubbles":[{"id":"a","status":"AVAILABLE"},{"id":"w","status":"WAITING","produceTime":1714557660000}]}`),
	}}
	api := NewAPI(tr, nil, nil, DefaultCodes)

	l, err := api.ListResources(context.Background(), Target{ID: "u1", Kind: KindFriend})
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if l.Target.Name != "Ann" || !l.ServerTime.Equal(time.UnixMilli(1714557600000)) {
		t.Fatalf("listing header = %+v", l)
	}
	if len(l.Resources) != 2 || l.Resources[1].Status != StatusWaiting || l.Resources[1].OwnerID != "u1" {
		t.Fatalf("resources = %+v", l.Resources)
	}
}
