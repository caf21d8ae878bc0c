package lockdown

import (
	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"github.com/MarkFassett/Netimobiledevice/usbmux"
)

// EstablishSession drives the full handshake end to end: QueryType,
// read-or-create the pair record via store, Pair if necessary, then
// StartSession (with its TLS upgrade, if the device asks for one).
// Callers that already hold a valid pair record and just want a plain
// session can skip straight to StartSession instead.
func (c *Client) EstablishSession(udid, systemBUID string, store PairRecordStore, sink ProgressSink) (usbmux.PairRecord, error) {
	if err := c.QueryType(); err != nil {
		return usbmux.PairRecord{}, err
	}

	record, err := store.ReadPairRecord(udid)
	if err != nil || record.HostID == "" {
		record, err = c.Pair(udid, systemBUID, store, sink)
		if err != nil {
			return usbmux.PairRecord{}, err
		}
	}

	if err := c.StartSession(record); err != nil {
		if ierrors.CodeOf(err) == ierrors.InvalidHostID {
			// The device forgot this host (e.g. after "Reset Location &
			// Privacy"); re-pair once and retry.
			record, err = c.Pair(udid, systemBUID, store, sink)
			if err != nil {
				return usbmux.PairRecord{}, err
			}
			return record, c.StartSession(record)
		}
		return usbmux.PairRecord{}, err
	}

	return record, nil
}
