package photos

import "time"

// Result はHTTPステータスコードに基づくAPI呼び出し結果の分類。
type Result int

const (
	// ResultOK は成功（2xx）。
	ResultOK Result = iota
	// ResultUnauthorized はアクセストークンが無効（401）。再委任が必要。
	ResultUnauthorized
	// ResultStop はリトライしても回復しないステータス（400/403/404）。
	ResultStop
	// ResultRetry は時間をおいて再試行するステータス（429/5xx）。
	ResultRetry
	// ResultUnknown は未知のステータスコード。
	ResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 500 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 30 * time.Second
)

// ClassifyStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyStatus(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultOK
	case statusCode == 401:
		return ResultUnauthorized
	case statusCode == 400 || statusCode == 403 || statusCode == 404:
		return ResultStop
	case statusCode == 429:
		return ResultRetry
	case statusCode >= 500:
		return ResultRetry
	default:
		return ResultUnknown
	}
}

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回500ミリ秒、2倍ずつ増加、最大30秒。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
