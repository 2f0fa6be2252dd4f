package tinyproto

/*------------------------------------------------------------------
 *
 * Purpose:   	Save frame traffic to a capture database.
 *
 * Description:	Watching a flaky serial link is miserable without a
 *		record of what actually crossed it.  When a capture
 *		path is configured, every delivered and every
 *		acknowledged payload is appended to a SQLite file,
 *		tagged with the handle's session id, so several runs
 *		can share one database and still be told apart.
 *
 *		The pure-Go sqlite driver keeps the tools free of cgo.
 *
 *---------------------------------------------------------------*/

import (
	"time"

	"github.com/lestrrat-go/strftime"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" /* Pure Go driver behind database/sql. */
)

/* One row per frame. */

type frame_record_t struct {
	ID        uint   `gorm:"primaryKey"`
	Session   string `gorm:"index"`
	Direction string /* "rx" or "tx" */
	Stamp     string /* Formatted wall clock, for humans. */
	UnixMS    int64  `gorm:"index"`
	Status    int    /* TINY_SUCCESS, or the failure code for dropped tx frames. */
	Length    int
	Payload   []byte
}

func (frame_record_t) TableName() string {
	return "frames"
}

type frame_log_t struct {
	db      *gorm.DB
	session string
	stamp   *strftime.Strftime
}

/* Default timestamp format when the -T option is not given. */

const FRAME_LOG_STAMP_FORMAT = "%Y-%m-%dT%H:%M:%S"

/*-------------------------------------------------------------------
 *
 * Name:	frame_log_open
 *
 * Purpose:	Open (creating if needed) a capture database.
 *
 * Inputs:	path		- SQLite file name.
 *		session		- Identity of this protocol handle.
 *		stamp_format	- strftime format for the human-readable
 *				  timestamp column.  "" for the default.
 *
 *---------------------------------------------------------------*/

func frame_log_open(path string, session string, stamp_format string) (*frame_log_t, error) {
	if stamp_format == "" {
		stamp_format = FRAME_LOG_STAMP_FORMAT
	}

	var stamp, err = strftime.New(stamp_format)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	db, err = gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: path}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if migrateErr := db.AutoMigrate(&frame_record_t{}); migrateErr != nil {
		return nil, migrateErr
	}

	return &frame_log_t{
		db:      db,
		session: session,
		stamp:   stamp,
	}, nil
}

/*-------------------------------------------------------------------
 *
 * Name:	record
 *
 * Purpose:	Append one frame to the capture.
 *
 * Inputs:	direction	- "rx" for delivered, "tx" for sent.
 *		payload		- Frame payload.  Copied.
 *		status		- Outcome code for tx frames.
 *
 *---------------------------------------------------------------*/

func (fl *frame_log_t) record(direction string, payload []byte, status int) error {
	var now = time.Now()

	var row = frame_record_t{
		Session:   fl.session,
		Direction: direction,
		Stamp:     fl.stamp.FormatString(now),
		UnixMS:    now.UnixMilli(),
		Status:    status,
		Length:    len(payload),
		Payload:   append([]byte(nil), payload...),
	}

	return fl.db.Create(&row).Error
}

/*-------------------------------------------------------------------
 *
 * Name:	close
 *
 * Purpose:	Close the underlying database file.
 *
 *---------------------------------------------------------------*/

func (fl *frame_log_t) close() error {
	var sql_db, err = fl.db.DB()
	if err != nil {
		return err
	}
	return sql_db.Close()
}
