package worker

import (
	"time"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// Task 代表一次事故分析請求
type Task struct {
	IncidentID   types.IncidentID       // 事故 ID
	Node         types.Node             // 回報節點（車道設定）
	Polygon      *types.AccidentPolygon // 事故多邊形，可為空
	Media        []types.Media          // 事故影像
	ReportedLane int                    // 節點回報的車道編號（提示）
	Timeout      time.Duration          // 分析超時時間，<= 0 表示不限
}

// Result 代表分析結果。兩側各自成功或失敗，互不影響。
type Result struct {
	IncidentID   types.IncidentID // 事故 ID
	Severity     *int             // 嚴重度 1..5，失敗時為 nil
	SeverityErr  error            // 嚴重度分析錯誤
	BlockedLanes []types.Lane     // 封閉車道（節點順序），比對失敗時為 nil
	MatchErr     error            // 車道比對錯誤
	Duration     time.Duration    // 實際執行時間
}
