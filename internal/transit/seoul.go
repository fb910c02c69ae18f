package transit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultSeoulURL is the Seoul bus API base.
const DefaultSeoulURL = "http://ws.bus.go.kr/api/rest"

const seoulArrivalPath = "stationinfo/getStationByUid"

// Seoul header codes that carry a usable body.
const (
	seoulHeaderOK       = "0"
	seoulHeaderNoResult = "4"
)

var seoulVehicleTypes = []string{"일반버스", "저상버스", "굴절버스", "경기도버스"}

// SeoulClient queries the Seoul bus arrival service.
type SeoulClient struct {
	ep         *endpoint
	serviceKey string
}

// NewSeoulClient creates a Seoul bus client.
func NewSeoulClient(cfg ClientConfig) *SeoulClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSeoulURL
	}
	return &SeoulClient{ep: newEndpoint("seoul", cfg), serviceKey: cfg.ServiceKey}
}

// Name implements Provider.
func (c *SeoulClient) Name() string { return "seoul" }

type seoulResponse struct {
	MsgHeader struct {
		HeaderCd  string `json:"headerCd"`
		HeaderMsg string `json:"headerMsg"`
	} `json:"msgHeader"`
	MsgBody struct {
		ItemList []seoulArrival `json:"itemList"`
	} `json:"msgBody"`
}

type seoulArrival struct {
	ArsID      string `json:"arsId"`
	StopName   string `json:"stNm"`
	BusRouteID string `json:"busRouteId"`
	RouteName  string `json:"rtNm"`
	RouteType  string `json:"routeType"`
	StaOrd     string `json:"staOrd"`
	SectOrd1   string `json:"sectOrd1"`
	SectOrd2   string `json:"sectOrd2"`
	TraTime1   string `json:"traTime1"`
	TraTime2   string `json:"traTime2"`
	BusType1   string `json:"busType1"`
	BusType2   string `json:"busType2"`
}

// StopArrivals implements Provider. The city number is ignored.
func (c *SeoulClient) StopArrivals(ctx context.Context, _ int, stopCode string) (Arrivals, error) {
	params := url.Values{}
	params.Set("serviceKey", c.serviceKey)
	params.Set("resultType", "json")
	params.Set("arsId", stopCode)

	var resp seoulResponse
	if err := c.ep.getJSON(ctx, seoulArrivalPath, params, &resp); err != nil {
		return Arrivals{}, err
	}

	switch resp.MsgHeader.HeaderCd {
	case "", seoulHeaderOK, seoulHeaderNoResult:
	default:
		return Arrivals{}, c.ep.fail(ClassBadRequest,
			fmt.Errorf("header %s: %s", resp.MsgHeader.HeaderCd, resp.MsgHeader.HeaderMsg))
	}

	out := Arrivals{StopCode: stopCode}
	for _, it := range resp.MsgBody.ItemList {
		if out.StopName == "" {
			out.StopCode = it.ArsID
			out.StopName = it.StopName
		}
		// Each route item carries the next two buses; "0" marks an empty slot.
		if it.TraTime1 == "0" || it.TraTime1 == "" {
			continue
		}
		out.Buses = append(out.Buses, it.bus(it.TraTime1, it.SectOrd1, it.BusType1))
		if it.TraTime2 != "0" && it.TraTime2 != "" {
			out.Buses = append(out.Buses, it.bus(it.TraTime2, it.SectOrd2, it.BusType2))
		}
	}
	return out, nil
}

func (it seoulArrival) bus(traTime, sectOrd, busType string) Bus {
	return Bus{
		RouteCode:      it.BusRouteID,
		RouteName:      it.RouteName,
		RouteType:      it.RouteType,
		VehicleType:    vehicleType(busType),
		RemainingStops: atoi(it.StaOrd) - atoi(sectOrd),
		ArrivalSeconds: atoi(traTime),
	}
}

func vehicleType(s string) string {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= len(seoulVehicleTypes) {
		return ""
	}
	return seoulVehicleTypes[n]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
