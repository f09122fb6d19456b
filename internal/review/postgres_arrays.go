package review

import (
	"database/sql/driver"

	"github.com/lib/pq"
)

func stringArray(ids []string) driver.Valuer {
	return pq.Array(ids)
}

func statusArray(statuses []EventStatus) driver.Valuer {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return pq.Array(ss)
}
