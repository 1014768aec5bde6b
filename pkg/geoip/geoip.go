package geoip

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"go-beaconsoc/pkg/models"
)

// Locator 地理位置查询，失败时返回包装了 ErrExternalLookup 的错误
type Locator interface {
	Lookup(ctx context.Context, ip string) (*models.GeoRecord, error)
}

// Service 基于 MaxMind City 和 ASN 数据库，任一库可缺省
type Service struct {
	cityReader *geoip2.Reader
	asnReader  *geoip2.Reader
}

// NewService 路径为空的库跳过；两个都为空时返回 nil
func NewService(cityDBPath, asnDBPath string) (*Service, error) {
	if cityDBPath == "" && asnDBPath == "" {
		return nil, nil
	}

	s := &Service{}
	if cityDBPath != "" {
		reader, err := geoip2.Open(cityDBPath)
		if err != nil {
			return nil, fmt.Errorf("open city database: %w", err)
		}
		s.cityReader = reader
	}
	if asnDBPath != "" {
		reader, err := geoip2.Open(asnDBPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open asn database: %w", err)
		}
		s.asnReader = reader
	}
	return s, nil
}

func (s *Service) Close() {
	if s.cityReader != nil {
		s.cityReader.Close()
	}
	if s.asnReader != nil {
		s.asnReader.Close()
	}
}

// Lookup 查询城市和 ASN；只要有一个库给出结果就返回
func (s *Service) Lookup(_ context.Context, ipAddress string) (*models.GeoRecord, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q: %w", ipAddress, models.ErrExternalLookup)
	}

	geo := &models.GeoRecord{}
	var cityErr, asnErr error

	if s.cityReader != nil {
		record, err := s.cityReader.City(ip)
		if err != nil {
			cityErr = err
		} else {
			geo.Country = localized(record.Country.Names)
			geo.CountryCode = record.Country.IsoCode
			if len(record.Subdivisions) > 0 {
				geo.Region = localized(record.Subdivisions[0].Names)
			}
			geo.City = localized(record.City.Names)
			if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
				lat, lon := record.Location.Latitude, record.Location.Longitude
				geo.Lat, geo.Lon = &lat, &lon
			}
		}
	}

	if s.asnReader != nil {
		record, err := s.asnReader.ASN(ip)
		if err != nil {
			asnErr = err
		} else if record.AutonomousSystemNumber != 0 {
			geo.ASN = fmt.Sprintf("AS%d", record.AutonomousSystemNumber)
			geo.ISP = record.AutonomousSystemOrganization
		}
	}

	if cityErr != nil && (asnErr != nil || s.asnReader == nil) {
		return nil, fmt.Errorf("lookup %s: %w: %w", ipAddress, models.ErrExternalLookup, cityErr)
	}
	if asnErr != nil && s.cityReader == nil {
		return nil, fmt.Errorf("lookup %s: %w: %w", ipAddress, models.ErrExternalLookup, asnErr)
	}
	return geo, nil
}

func localized(names map[string]string) string {
	for _, lang := range []string{"en", "es", "zh-CN"} {
		if n := names[lang]; n != "" {
			return n
		}
	}
	return ""
}
