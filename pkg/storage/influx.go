package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"go-beaconsoc/pkg/logger"
	"go-beaconsoc/pkg/models"
)

// InfluxSink 把访问事件写成时序点，供看板统计
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// NewInfluxSink url 为空时返回 nil，调用方据此跳过时序输出
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	if url == "" {
		return nil
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bucket:   bucket,
	}
}

// visitPoint 标签只放低基数字段
func visitPoint(ev models.VisitEvent) *write.Point {
	fields := map[string]interface{}{
		"ip":           ev.IP,
		"event_id":     ev.ID,
		"identity_key": string(ev.IdentityKey),
		"event":        ev.Event,
		"user_agent":   ev.UserAgent,
		"isp":          ev.ISP,
	}
	if ev.Lat != nil && ev.Lon != nil {
		fields["lat"] = *ev.Lat
		fields["lon"] = *ev.Lon
	}

	return influxdb2.NewPoint(
		"beacon_visit",
		map[string]string{
			"resource":     ev.Resource,
			"type":         ev.Type,
			"country_code": ev.CountryCode,
			"tor":          boolTag(ev.FlagTor),
			"vpn":          boolTag(ev.FlagVPN),
		},
		fields,
		ev.Timestamp,
	)
}

// WriteVisit 保存访问事件到 InfluxDB
func (s *InfluxSink) WriteVisit(ctx context.Context, ev models.VisitEvent) error {
	if err := s.writeAPI.WritePoint(ctx, visitPoint(ev)); err != nil {
		logger.Log.Errorf("保存访问时序数据失败: resource=%s, error=%v", ev.Resource, err)
		return fmt.Errorf("write visit point: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

func boolTag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
