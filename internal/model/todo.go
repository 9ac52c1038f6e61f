package model

import "time"

// List はユーザーが所有するタスクリストを表す。
type List struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task はリストに属するタスクを表す。
// 所有者はリストを介して推移的に決まるため、Task自身は所有者IDを持たない。
type Task struct {
	ID        string
	ListID    string
	Title     string
	Completed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskPatch はタスクの部分更新内容を表す。nilのフィールドは変更しない。
type TaskPatch struct {
	Title     *string
	Completed *bool
}

// CascadeJob はリスト削除後に残ったタスクを削除するための永続化されたジョブを表す。
// プロセス再起動を跨いでも失われないよう、リスト削除と同一トランザクションで登録される。
type CascadeJob struct {
	ID            string
	ListID        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}
