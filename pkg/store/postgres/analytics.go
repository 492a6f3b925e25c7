package postgres

import (
	"context"
	"time"
)

// AnalyticsSummary aggregates dashboard metrics over the whole store.
type AnalyticsSummary struct {
	TotalScans                 int             `json:"totalScans"`
	ActiveThreats              int             `json:"activeThreats"`
	TotalVulnerabilities       int             `json:"totalVulnerabilities"`
	AverageRiskScore           float64         `json:"averageRiskScore"`
	AverageScanDurationSeconds float64         `json:"averageScanDurationSeconds"`
	RiskDistribution           RiskBuckets     `json:"riskDistribution"`
	VulnerabilityTrends        []DateCount     `json:"vulnerabilityTrends"`
	RecentScans                []DateCount     `json:"recentScans"`
	LibrariesAnalyzed          int             `json:"libraries_analyzed"`
	TopVulnerabilities         []TopVulnerable `json:"top_vulnerabilities"`
}

// RiskBuckets counts completed scans by global risk band.
type RiskBuckets struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// DateCount is one day's tally.
type DateCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// TopVulnerable is a recurring vulnerable library.
type TopVulnerable struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// Analytics computes the dashboard summary. Average duration only
// considers completed scans with both timestamps; risk buckets use the
// 80/60/30 thresholds shared with the risk calculator.
func (s *Store) Analytics(ctx context.Context, now time.Time) (*AnalyticsSummary, error) {
	out := &AnalyticsSummary{
		VulnerabilityTrends: []DateCount{},
		RecentScans:         []DateCount{},
		TopVulnerabilities:  []TopVulnerable{},
	}

	err := s.withRetry(ctx, func(c context.Context) error {
		if err := s.pool.QueryRow(c, `
			SELECT
				(SELECT count(*) FROM scans),
				(SELECT count(*) FROM findings WHERE severity = 'critical'),
				(SELECT COALESCE(sum(jsonb_array_length(vulnerabilities)), 0) FROM libraries),
				(SELECT COALESCE(avg(global_risk_score), 0) FROM scans WHERE status = 'completed'),
				(SELECT COALESCE(avg(EXTRACT(EPOCH FROM completed_at - started_at)), 0)
					FROM scans
					WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL),
				(SELECT count(*) FROM libraries)
		`).Scan(&out.TotalScans, &out.ActiveThreats, &out.TotalVulnerabilities,
			&out.AverageRiskScore, &out.AverageScanDurationSeconds, &out.LibrariesAnalyzed); err != nil {
			return err
		}

		if err := s.pool.QueryRow(c, `
			SELECT
				count(*) FILTER (WHERE global_risk_score >= 80),
				count(*) FILTER (WHERE global_risk_score >= 60 AND global_risk_score < 80),
				count(*) FILTER (WHERE global_risk_score >= 30 AND global_risk_score < 60),
				count(*) FILTER (WHERE global_risk_score < 30)
			FROM scans WHERE status = 'completed'
		`).Scan(&out.RiskDistribution.Critical, &out.RiskDistribution.High,
			&out.RiskDistribution.Medium, &out.RiskDistribution.Low); err != nil {
			return err
		}

		trendRows, err := s.pool.Query(c, `
			SELECT to_char(date_trunc('day', sc.completed_at), 'YYYY-MM-DD') AS day,
				COALESCE(sum(jsonb_array_length(l.vulnerabilities)), 0)
			FROM scans sc
			JOIN libraries l ON l.scan_id = sc.id
			WHERE sc.status = 'completed' AND sc.completed_at >= $1
			GROUP BY day ORDER BY day
		`, now.AddDate(0, 0, -30))
		if err != nil {
			return err
		}
		out.VulnerabilityTrends = out.VulnerabilityTrends[:0]
		for trendRows.Next() {
			var dc DateCount
			if err := trendRows.Scan(&dc.Date, &dc.Count); err != nil {
				trendRows.Close()
				return err
			}
			out.VulnerabilityTrends = append(out.VulnerabilityTrends, dc)
		}
		trendRows.Close()
		if err := trendRows.Err(); err != nil {
			return err
		}

		recentRows, err := s.pool.Query(c, `
			SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day, count(*)
			FROM scans
			WHERE created_at >= $1
			GROUP BY day ORDER BY day
		`, now.AddDate(0, 0, -7))
		if err != nil {
			return err
		}
		out.RecentScans = out.RecentScans[:0]
		for recentRows.Next() {
			var dc DateCount
			if err := recentRows.Scan(&dc.Date, &dc.Count); err != nil {
				recentRows.Close()
				return err
			}
			out.RecentScans = append(out.RecentScans, dc)
		}
		recentRows.Close()
		if err := recentRows.Err(); err != nil {
			return err
		}

		topRows, err := s.pool.Query(c, `
			SELECT l.name,
				(ARRAY['low','moderate','high','critical'])[max(
					CASE v->>'severity'
						WHEN 'critical' THEN 4
						WHEN 'high' THEN 3
						WHEN 'moderate' THEN 2
						ELSE 1
					END)] AS severity,
				count(*)
			FROM libraries l,
				jsonb_array_elements(l.vulnerabilities) v
			GROUP BY l.name
			ORDER BY count(*) DESC, l.name
			LIMIT 10
		`)
		if err != nil {
			return err
		}
		out.TopVulnerabilities = out.TopVulnerabilities[:0]
		for topRows.Next() {
			var tv TopVulnerable
			if err := topRows.Scan(&tv.Name, &tv.Severity, &tv.Count); err != nil {
				topRows.Close()
				return err
			}
			out.TopVulnerabilities = append(out.TopVulnerabilities, tv)
		}
		topRows.Close()
		return topRows.Err()
	})
	return out, err
}
