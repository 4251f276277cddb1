package signal

// GenerateZones 从确认枢轴生成供需区
// 低点枢轴生成需求区，高点枢轴生成供给区，只保留最近 maxZones 个
func GenerateZones(pivots []Pivot, thicknessPct float64, extensionBars, maxZones int) []Zone {
	var zones []Zone

	for _, p := range pivots {
		if p.IsPreview {
			continue
		}

		zoneType := ZoneDemand
		if p.IsHigh {
			zoneType = ZoneSupply
		}

		center := p.ActualPrice
		half := (center * thicknessPct / 100.0) / 2.0

		zones = append(zones, Zone{
			Type:        zoneType,
			CenterPrice: center,
			TopPrice:    center + half,
			BottomPrice: center - half,
			StartBar:    p.BarIndex,
			EndBar:      p.BarIndex + extensionBars,
		})
	}

	if maxZones > 0 && len(zones) > maxZones {
		zones = zones[len(zones)-maxZones:]
	}

	return zones
}
