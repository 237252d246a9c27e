package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier posts offers to an external push provider endpoint.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewPushNotifier(endpoint string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) OfferToDriver(driverID string, n OfferNotice) error {
	body := map[string]any{"driver_id": driverID, "offer": n}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
