package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultTagoURL is the public data portal base for the TAGO services.
const DefaultTagoURL = "https://apis.data.go.kr/1613000"

const tagoArrivalPath = "ArvlInfoInqireService/getSttnAcctoArvlPrearngeInfoList"

// TagoClient queries the national TAGO arrival service.
type TagoClient struct {
	ep         *endpoint
	serviceKey string
}

// NewTagoClient creates a TAGO client.
func NewTagoClient(cfg ClientConfig) *TagoClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTagoURL
	}
	return &TagoClient{ep: newEndpoint("tago", cfg), serviceKey: cfg.ServiceKey}
}

// Name implements Provider.
func (c *TagoClient) Name() string { return "tago" }

type tagoResponse struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items      json.RawMessage `json:"items"`
			TotalCount int             `json:"totalCount"`
		} `json:"body"`
	} `json:"response"`
}

type tagoItems struct {
	Item json.RawMessage `json:"item"`
}

type tagoArrival struct {
	RouteID           string     `json:"routeid"`
	RouteNo           flexString `json:"routeno"`
	RouteType         string     `json:"routetp"`
	VehicleType       string     `json:"vehicletp"`
	ArrPrevStationCnt flexInt    `json:"arrprevstationcnt"`
	ArrTime           flexInt    `json:"arrtime"`
	NodeID            string     `json:"nodeid"`
	NodeName          string     `json:"nodenm"`
}

// StopArrivals implements Provider.
func (c *TagoClient) StopArrivals(ctx context.Context, cityNumber int, stopCode string) (Arrivals, error) {
	params := url.Values{}
	params.Set("serviceKey", c.serviceKey)
	params.Set("_type", "json")
	params.Set("cityCode", strconv.Itoa(cityNumber))
	params.Set("nodeId", stopCode)
	params.Set("numOfRows", "50")

	var resp tagoResponse
	if err := c.ep.getJSON(ctx, tagoArrivalPath, params, &resp); err != nil {
		return Arrivals{}, err
	}

	if code := resp.Response.Header.ResultCode; code != "" && code != "00" {
		return Arrivals{}, c.ep.fail(ClassBadRequest,
			fmt.Errorf("result %s: %s", code, resp.Response.Header.ResultMsg))
	}

	items, err := decodeTagoItems(resp.Response.Body.Items)
	if err != nil {
		return Arrivals{}, c.ep.fail(ClassBadRequest, fmt.Errorf("decode items: %w", err))
	}

	out := Arrivals{StopCode: stopCode}
	for i, it := range items {
		if i == 0 {
			out.StopCode = it.NodeID
			out.StopName = it.NodeName
		}
		out.Buses = append(out.Buses, Bus{
			RouteCode:      it.RouteID,
			RouteName:      string(it.RouteNo),
			RouteType:      it.RouteType,
			VehicleType:    it.VehicleType,
			RemainingStops: int(it.ArrPrevStationCnt),
			ArrivalSeconds: int(it.ArrTime),
		})
	}
	return out, nil
}

// decodeTagoItems handles the three shapes of body.items: an empty string,
// a single item object, or an item array.
func decodeTagoItems(raw json.RawMessage) ([]tagoArrival, error) {
	wrapped, err := decodeOneOrMany[tagoItems](raw)
	if err != nil || len(wrapped) == 0 {
		return nil, err
	}
	return decodeOneOrMany[tagoArrival](wrapped[0].Item)
}
